package openai

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/provider"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

type Provider struct {
	client *openai.Client
}

var _ provider.Provider = (*Provider)(nil)

func New(options ...option.RequestOption) *Provider {
	client := openai.NewClient(options...)
	return &Provider{
		client: client,
	}
}

func (p *Provider) buildRequest(req *provider.Request) (openai.ChatCompletionNewParams, error) {
	tools := make([]openai.ChatCompletionToolParam, len(req.Tools))
	for i, tool := range req.Tools {
		params, err := tool.ParametersJSON()
		if err != nil {
			return openai.ChatCompletionNewParams{}, fmt.Errorf("failed to convert tool %s schema: %w", tool.Name, err)
		}

		def := openai.FunctionDefinitionParam{
			Name:       openai.String(tool.Name),
			Parameters: openai.F(shared.FunctionParameters(params)),
		}
		if strings.TrimSpace(tool.Description) != "" {
			def.Description = openai.String(tool.Description)
		}

		tools[i] = openai.ChatCompletionToolParam{
			Type:     openai.F(openai.ChatCompletionToolTypeFunction),
			Function: openai.F(def),
		}
	}

	oaiParams := openai.ChatCompletionNewParams{
		Messages: openai.F(messagesToOpenAI(req.Instructions, req.Messages)),
		Model:    openai.F(req.Model),
		N:        openai.Int(1),
		StreamOptions: openai.F(openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		}),
	}
	if len(tools) > 0 {
		oaiParams.Tools = openai.F(tools)
		oaiParams.ParallelToolCalls = openai.Bool(true)
	}
	return oaiParams, nil
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	chatParams, err := p.buildRequest(&req)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		p.runStream(ctx, chatParams, events)
	}()
	return events, nil
}

// pendingCall accumulates a tool call whose arguments arrive in fragments.
// OpenAI only sends the id and name on the first fragment of each index.
type pendingCall struct {
	index int64
	id    string
	name  string
	args  strings.Builder
}

func (p *Provider) runStream(ctx context.Context, params openai.ChatCompletionNewParams, events chan<- provider.StreamEvent) {
	strm := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer strm.Close()

	send := func(ev provider.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	calls := make(map[int64]*pendingCall)
	var reason chunk.FinishReason
	var usage *chunk.Usage

	for strm.Next() {
		completion := strm.Current()
		if completion.Usage.TotalTokens > 0 {
			usage = &chunk.Usage{
				PromptTokens:     completion.Usage.PromptTokens,
				CompletionTokens: completion.Usage.CompletionTokens,
				TotalTokens:      completion.Usage.TotalTokens,
			}
		}
		if len(completion.Choices) == 0 {
			continue
		}

		choice := completion.Choices[0]
		if choice.Delta.Content != "" {
			if !send(provider.TextDelta{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			call, seen := calls[tc.Index]
			if !seen {
				call = &pendingCall{index: tc.Index, id: tc.ID, name: tc.Function.Name}
				calls[tc.Index] = call
				if !send(provider.ToolCallStart{CallID: call.id, Name: call.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if !send(provider.ToolCallDelta{CallID: call.id, ArgsDelta: tc.Function.Arguments}) {
					return
				}
			}
		}
		if choice.FinishReason != "" {
			reason = finishReason(string(choice.FinishReason))
		}
	}

	if err := strm.Err(); err != nil {
		send(provider.Error{Err: err})
		return
	}
	if err := ctx.Err(); err != nil {
		send(provider.Error{Err: err})
		return
	}

	ordered := make([]*pendingCall, 0, len(calls))
	for _, call := range calls {
		ordered = append(ordered, call)
	}
	slices.SortFunc(ordered, func(a, b *pendingCall) int { return cmp.Compare(a.index, b.index) })
	for _, call := range ordered {
		args := call.args.String()
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		if !send(provider.ToolCallEnd{CallID: call.id, Args: []byte(args)}) {
			return
		}
	}

	if reason == "" {
		reason = chunk.FinishStop
		if len(calls) > 0 {
			reason = chunk.FinishToolCalls
		}
	}
	send(provider.Finish{Reason: reason, Usage: usage})
}

func finishReason(r string) chunk.FinishReason {
	switch r {
	case "length":
		return chunk.FinishLength
	case "tool_calls", "function_call":
		return chunk.FinishToolCalls
	default:
		return chunk.FinishStop
	}
}

// messagesToOpenAI flattens the parts of each message into chat completion
// messages. An assistant message becomes a run of assistant text, assistant
// tool call and tool result messages in part order.
func messagesToOpenAI(instructions string, history []messages.Message) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if strings.TrimSpace(instructions) != "" {
		result = append(result, openai.SystemMessage(instructions))
	}

	for _, msg := range history {
		if msg.Role == messages.RoleUser {
			if text := msg.Text(); text != "" {
				result = append(result, openai.UserMessage(text))
			}
			continue
		}

		var text strings.Builder
		var toolCalls []openai.ChatCompletionMessageToolCallParam
		flush := func() {
			if text.Len() > 0 {
				result = append(result, openai.AssistantMessage(text.String()))
				text.Reset()
			}
			if len(toolCalls) > 0 {
				result = append(result, openai.ChatCompletionMessageParam{
					Role:      openai.F(openai.ChatCompletionMessageParamRoleAssistant),
					ToolCalls: openai.F[any](toolCalls),
				})
				toolCalls = nil
			}
		}

		for _, part := range msg.Parts {
			switch part.Kind {
			case messages.PartText:
				if len(toolCalls) > 0 {
					flush()
				}
				text.WriteString(part.Text)
			case messages.PartToolCall:
				args := string(part.Args)
				if args == "" {
					args = "{}"
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID:   openai.String(part.ToolCallID),
					Type: openai.F(openai.ChatCompletionMessageToolCallTypeFunction),
					Function: openai.F(openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      openai.String(part.ToolName),
						Arguments: openai.String(args),
					}),
				})
			case messages.PartToolResult:
				flush()
				result = append(result, openai.ToolMessage(part.ToolCallID, toolResultContent(part)))
			}
		}
		flush()
	}
	return result
}

func toolResultContent(part messages.Part) string {
	if part.Error != nil {
		return fmt.Sprintf(`{"error":{"code":%q,"message":%q}}`, part.Error.Code, part.Error.Message)
	}
	if len(part.Output) == 0 {
		return "null"
	}
	return string(part.Output)
}
