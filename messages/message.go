// Package messages holds the persisted shape of a conversation: messages made
// of ordered, typed parts.
package messages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casualjim/parley/chunk"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status mirrors the state of the turn that produced a message.
type Status string

const (
	StatusStreaming Status = "streaming"
	StatusFinished  Status = "finished"
	StatusErrored   Status = "errored"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusErrored || s == StatusStopped
}

type PartKind string

const (
	PartText       PartKind = "text"
	PartReasoning  PartKind = "reasoning"
	PartToolCall   PartKind = "tool-call"
	PartToolResult PartKind = "tool-result"
	PartFile       PartKind = "file"
)

// Part is one typed fragment of a message. Index is the emission order within
// the message. Open marks a text or reasoning part that may still grow.
type Part struct {
	Index      int              `json:"index"`
	Kind       PartKind         `json:"type"`
	Open       bool             `json:"open,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	Args       json.RawMessage  `json:"args,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	Error      *chunk.ToolError `json:"error,omitempty"`
	File       *chunk.File      `json:"file,omitempty"`
}

// Validate checks that the fields required by the part kind are present.
func (p Part) Validate() error {
	var errs []error
	if p.Index < 0 {
		errs = append(errs, fmt.Errorf("part index %d is negative", p.Index))
	}
	switch p.Kind {
	case PartText, PartReasoning:
	case PartToolCall, PartToolResult:
		if p.ToolCallID == "" {
			errs = append(errs, fmt.Errorf("%s part requires a tool call id", p.Kind))
		}
		if p.ToolName == "" {
			errs = append(errs, fmt.Errorf("%s part requires a tool name", p.Kind))
		}
	case PartFile:
		if p.File == nil || p.File.Ref == "" {
			errs = append(errs, errors.New("file part requires a reference"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown part kind %q", p.Kind))
	}
	return errors.Join(errs...)
}

type Message struct {
	ID        string          `json:"id"`
	ChatID    string          `json:"chat_id"`
	TurnID    string          `json:"turn_id,omitempty"`
	Role      Role            `json:"role"`
	Status    Status          `json:"status"`
	Parts     []Part          `json:"parts"`
	CreatedAt strfmt.DateTime `json:"created_at"`
	UpdatedAt strfmt.DateTime `json:"updated_at"`
}

// Text concatenates the text and reasoning parts of m in part order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartText || p.Kind == PartReasoning {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// UserText creates a finished single part user message.
func UserText(id, chatID, turnID, text string, at strfmt.DateTime) Message {
	return Message{
		ID:        id,
		ChatID:    chatID,
		TurnID:    turnID,
		Role:      RoleUser,
		Status:    StatusFinished,
		Parts:     []Part{{Index: 0, Kind: PartText, Text: text}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}
