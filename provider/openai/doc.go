/*
Package openai implements provider.Provider on top of the OpenAI chat
completions API.

Every model step is a streaming completion. Text deltas are forwarded as they
arrive. Tool call fragments are tracked by their index in the choice, since
OpenAI only sends the call id and function name with the first fragment of a
call; each call is announced with a ToolCallStart, its argument fragments are
forwarded as ToolCallDeltas and the assembled arguments are emitted as a
ToolCallEnd once the completion finishes. Token usage is requested with the
stream and reported on the Finish event.

Models are created with Model and cached by name:

	model := openai.Model("gpt-4o-mini",
		option.WithAPIKey("your-key"),
	)
	registry.Register(model)

History is converted part by part. User messages become user text; an
assistant message is split into assistant text, assistant tool call and tool
result messages, preserving the order in which the parts were emitted.
*/
package openai
