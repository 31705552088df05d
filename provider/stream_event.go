package provider

import (
	"github.com/casualjim/parley/chunk"
	json "github.com/goccy/go-json"
)

type StreamEvent interface {
	streamEvent()
}

type TextDelta struct {
	Text string
}

func (TextDelta) streamEvent() {}

type ReasoningDelta struct {
	Text string
}

func (ReasoningDelta) streamEvent() {}

// ToolCallStart opens a call. CallID is unique within the turn.
type ToolCallStart struct {
	CallID string
	Name   string
}

func (ToolCallStart) streamEvent() {}

type ToolCallDelta struct {
	CallID    string
	ArgsDelta string
}

func (ToolCallDelta) streamEvent() {}

// ToolCallEnd carries the complete arguments of a call.
type ToolCallEnd struct {
	CallID string
	Args   json.RawMessage
}

func (ToolCallEnd) streamEvent() {}

type Finish struct {
	Reason chunk.FinishReason
	Usage  *chunk.Usage
}

func (Finish) streamEvent() {}

type Error struct {
	Err error
}

func (Error) streamEvent() {}

func (e Error) Error() string {
	if e.Err == nil {
		return "model provider error"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }
