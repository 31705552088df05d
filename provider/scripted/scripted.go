// Package scripted is a provider that replays canned events. Tests use it to
// drive the orchestrator deterministically and the demo server uses Echo.
package scripted

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/provider"
	json "github.com/goccy/go-json"
)

// Responder produces the events of one model step. step counts the requests
// made for the turn, starting at 0.
type Responder func(req provider.Request, step int) []provider.StreamEvent

type Provider struct {
	respond Responder
	delay   time.Duration

	mu       sync.Mutex
	steps    map[string]int
	requests []provider.Request
}

var _ provider.Provider = (*Provider)(nil)

type Option func(*Provider)

// WithDelay pauses between events.
func WithDelay(d time.Duration) Option {
	return func(p *Provider) { p.delay = d }
}

func New(respond Responder, options ...Option) *Provider {
	p := &Provider{respond: respond, steps: make(map[string]int)}
	for _, o := range options {
		o(p)
	}
	return p
}

// Steps replays steps[i] for the i-th request of a turn. Requests past the
// last step finish immediately.
func Steps(steps ...[]provider.StreamEvent) Responder {
	return func(_ provider.Request, step int) []provider.StreamEvent {
		if step < len(steps) {
			return steps[step]
		}
		return []provider.StreamEvent{provider.Finish{Reason: chunk.FinishStop}}
	}
}

// Requests returns every request received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	p.mu.Lock()
	step := p.steps[req.TurnID]
	p.steps[req.TurnID] = step + 1
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	events := p.respond(req, step)
	out := make(chan provider.StreamEvent)
	go func() {
		defer close(out)
		for _, ev := range events {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
				}
			}
			if err := ctx.Err(); err != nil {
				select {
				case out <- provider.Error{Err: err}:
				default:
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Text streams text word by word and finishes.
func Text(text string) []provider.StreamEvent {
	var events []provider.StreamEvent
	for i, w := range strings.SplitAfter(text, " ") {
		if w == "" && i > 0 {
			continue
		}
		events = append(events, provider.TextDelta{Text: w})
	}
	return append(events, provider.Finish{Reason: chunk.FinishStop, Usage: &chunk.Usage{
		PromptTokens: 1, CompletionTokens: int64(len(events)), TotalTokens: int64(len(events)) + 1,
	}})
}

// ToolCall streams one complete tool call, its arguments split in two.
func ToolCall(callID, name string, args any) []provider.StreamEvent {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("scripted tool call %s: %v", name, err))
	}
	half := len(raw) / 2
	return []provider.StreamEvent{
		provider.ToolCallStart{CallID: callID, Name: name},
		provider.ToolCallDelta{CallID: callID, ArgsDelta: string(raw[:half])},
		provider.ToolCallDelta{CallID: callID, ArgsDelta: string(raw[half:])},
		provider.ToolCallEnd{CallID: callID, Args: raw},
	}
}

var createFile = regexp.MustCompile(`(?i)create a (?:file|document) (?:named|called) (\S+) with content '([^']*)'`)

// Echo answers with the last user message. A message such as
// "create a file named notes.txt with content 'hi'" calls createDocument
// first and then confirms the result.
func Echo(req provider.Request, step int) []provider.StreamEvent {
	var last string
	for _, m := range req.Messages {
		if m.Role == messages.RoleUser {
			last = m.Text()
		}
	}

	if match := createFile.FindStringSubmatch(last); match != nil {
		if step == 0 {
			events := []provider.StreamEvent{provider.TextDelta{Text: "Creating " + match[1] + ". "}}
			events = append(events, ToolCall("call_"+req.TurnID, "createDocument", map[string]string{
				"title": match[1], "content": match[2],
			})...)
			return append(events, provider.Finish{Reason: chunk.FinishToolCalls})
		}
		return Text("Done, " + match[1] + " is ready.")
	}
	if last == "" {
		last = "Nothing to echo."
	}
	return Text(last)
}
