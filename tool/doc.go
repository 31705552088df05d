/*
Package tool implements the tool invocation protocol used during a turn: tool
definitions with declared argument schemas, a registry to resolve them by name
and an Engine that validates, executes and tracks individual calls.

# Design Decisions

  - Schema first: argument schemas are JSON schemas, reflected from a Go struct
    with invopop/jsonschema or supplied explicitly, and validated with
    gojsonschema before a tool ever runs
  - Isolation: a failing, panicking or slow tool produces a classified error
    and never aborts the turn that called it
  - Idempotency: calls are keyed by turn and call id, duplicated calls share a
    single execution and completed calls replay their recorded outcome

# Key Concepts

 1. Definition
    A tool is a name, a description, an argument schema and an Execute
    function. New reflects the schema from the argument type:

	type createArgs struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}

	create := tool.Must("createDocument", func(ctx context.Context, call tool.Call, args createArgs) (any, error) {
		return store.Create(ctx, args.Title, args.Content)
	}, tool.Description("Create a new document"))

 2. Registry and Set
    The Registry holds every tool known to the process. A turn works against a
    Set selected from the registry by name; selecting an unknown name fails
    with UnknownTool.

 3. Invocation lifecycle
    Every call moves through call-started, args-complete and executing before
    ending in result-ready or failed. Engine.Invocation exposes the current
    state of a call for observers.

 4. Failure taxonomy
    Engine.Invoke returns *errorx.Error values: UnknownTool when the name does
    not resolve, InvalidArguments (with the violated field) when validation
    fails, ToolTimeout when the bounded execution time elapses and
    ToolExecutionFailed for any other failure. Classified errors returned by a
    tool, such as VersionConflict, are passed through unchanged.
*/
package tool
