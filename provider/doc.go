// Package provider is the boundary to language model services.
//
// A Provider turns a Request (the chat history, the declared tools and the
// model name) into a channel of StreamEvents. The channel carries text and
// reasoning deltas, incremental tool calls and exactly one terminal event, a
// Finish or an Error, after which it is closed.
//
//	events, err := model.Provider().Stream(ctx, provider.Request{
//	    Model:    model.Name(),
//	    Messages: history,
//	    Tools:    tools.Definitions(),
//	})
//	if err != nil {
//	    return err
//	}
//	for ev := range events {
//	    switch e := ev.(type) {
//	    case provider.TextDelta:
//	        fmt.Print(e.Text)
//	    case provider.ToolCallEnd:
//	        // arguments are complete
//	    case provider.Finish:
//	        // e.Reason tells whether the model wants tool results
//	    }
//	}
//
// Models are looked up by name in a Registry. The openai subpackage adapts the
// OpenAI chat completions API and the scripted subpackage replays canned
// events for tests and demos.
package provider
