/*
Package parley orchestrates streaming chat turns: one user message in, one
ordered, resumable and tool augmented stream of chunks out, folded into a
persisted assistant message as it streams.

# Basic Usage

	streams, _ := streamstore.NewMemory()
	store := persist.NewMemory()
	docs, _ := artifact.NewController(store)
	tools, _ := tool.NewRegistry(docs.Tools()...)

	o, err := parley.New(streams, lease.NewMemory(), store,
		provider.NewRegistry(openai.GPT4oMini()),
		parley.WithTools(tools),
		parley.WithHooks(parley.LoggingHook(nil)),
	)
	if err != nil {
		// Handle error
	}

	started, err := o.StartTurn(ctx, parley.StartRequest{
		ChatID:  chatID,
		Message: "create a file named notes.txt with content 'hi'",
		Model:   "gpt-4o-mini",
	})
	if err != nil {
		// errorx.ErrTurnConflict while another turn of the chat streams
	}

	chunks, err := o.Subscribe(ctx, started.StreamID, 0)
	for c, err := range chunks {
		// text-delta, tool-call-start, tool-call-delta, tool-result, ... finish
	}

# Architecture

A turn moves through pending, streaming and one of finished, errored or
stopped.

1. Chat lease (lease)
  - At most one streaming turn per chat
  - Renewed while the turn runs, released when its stream is sealed

2. Run loop (run.go)
  - Consumes the model's event channel and the results of running tools in
    one select loop
  - Assigns the sequence number of every chunk when it is appended, so tool
    results land where they resolve
  - Re-prompts the model after tool calls, up to the configured step limit

3. Stream record (streamstore)
  - Every chunk is appended before anyone sees it
  - Subscribers replay from any sequence number and follow the live tail

4. Message assembly (assembler)
  - The same chunks, in the same order, become message parts
  - Parts already persisted survive model failures

5. Hooks (hook.go) and futures (promise.go)
  - Hooks observe turn start, chunks, tool results and turn end
  - Wait resolves through a future once the turn ends

# Stopping

Stop seals the stream with a finish chunk whose reason is stopped. Tools that
are executing keep running and their side effects, such as artifact versions,
stay committed; only their results are left out of the sealed stream. When
the stream belongs to another instance the request travels over the control
bus configured with WithControlBus.
*/
package parley
