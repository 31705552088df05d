package parley

import (
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/go-openapi/strfmt"
)

// Status is the lifecycle position of a turn.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusFinished  Status = "finished"
	StatusErrored   Status = "errored"
	StatusStopped   Status = "stopped"
)

func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusErrored || s == StatusStopped
}

// Turn is a point in time view of one user message to assistant response
// exchange. It no longer changes once Status is terminal.
type Turn struct {
	ID            string          `json:"id"`
	ChatID        string          `json:"chat_id"`
	StreamID      string          `json:"stream_id"`
	MessageID     string          `json:"message_id"`
	UserMessageID string          `json:"user_message_id"`
	Model         string          `json:"model"`
	Status        Status          `json:"status"`
	Steps         int             `json:"steps"`
	Usage         chunk.Usage     `json:"usage"`
	Error         *chunk.Error    `json:"error,omitempty"`
	StartedAt     strfmt.DateTime `json:"started_at"`
	FinishedAt    strfmt.DateTime `json:"finished_at"`
}

// StartRequest asks for a new turn in a chat. An empty Tools list offers every
// registered tool to the model.
type StartRequest struct {
	ChatID  string   `json:"chat_id"`
	Message string   `json:"message"`
	Model   string   `json:"model"`
	Tools   []string `json:"tools,omitempty"`
}

func (r StartRequest) validate() error {
	switch {
	case r.ChatID == "":
		return errorx.InvalidArguments("chat_id", "a chat id is required")
	case r.Message == "":
		return errorx.InvalidArguments("message", "a user message is required")
	case r.Model == "":
		return errorx.InvalidArguments("model", "a model is required")
	}
	return nil
}

// Started identifies the resources opened for a turn.
type Started struct {
	TurnID        string `json:"turn_id"`
	StreamID      string `json:"stream_id"`
	MessageID     string `json:"message_id"`
	UserMessageID string `json:"user_message_id"`
}

// statusFor maps the terminal chunk of a stream to the turn status.
func statusFor(p chunk.Payload) Status {
	switch p := p.(type) {
	case chunk.Finish:
		if p.Reason == chunk.FinishStopped {
			return StatusStopped
		}
		return StatusFinished
	case chunk.Error:
		return StatusErrored
	default:
		return StatusStreaming
	}
}
