package chunk

import (
	"fmt"
	"time"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Kind tags the payload carried by a chunk.
type Kind string

const (
	KindTextDelta      Kind = "text-delta"
	KindReasoningDelta Kind = "reasoning-delta"
	KindToolCallStart  Kind = "tool-call-start"
	KindToolCallDelta  Kind = "tool-call-delta"
	KindToolResult     Kind = "tool-result"
	KindFinish         Kind = "finish"
	KindError          Kind = "error"
)

// FinishReason explains why a stream reached its finish chunk.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishStopped   FinishReason = "stopped"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

var chunkJSON = []byte(`{}`)

// Payload is implemented by every chunk body.
type Payload interface {
	Kind() Kind
}

type TextDelta struct {
	Text string `json:"text"`
}

func (TextDelta) Kind() Kind { return KindTextDelta }

type ReasoningDelta struct {
	Text string `json:"text"`
}

func (ReasoningDelta) Kind() Kind { return KindReasoningDelta }

type ToolCallStart struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
}

func (ToolCallStart) Kind() Kind { return KindToolCallStart }

// ToolCallDelta carries a fragment of the call arguments. The delta with
// ArgsComplete set closes the argument stream and repeats the full Args.
type ToolCallDelta struct {
	CallID       string          `json:"call_id"`
	ArgsDelta    string          `json:"args_delta"`
	ArgsComplete bool            `json:"args_complete,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
}

func (ToolCallDelta) Kind() Kind { return KindToolCallDelta }

type ToolError struct {
	Code    errorx.Code `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
}

// ToolErrorFrom converts err into the payload shape used on the wire.
func ToolErrorFrom(err error) *ToolError {
	if err == nil {
		return nil
	}
	code := errorx.CodeOf(err)
	if code == "" {
		code = errorx.CodeToolExecutionFailed
	}
	return &ToolError{Code: code, Message: err.Error(), Field: errorx.FieldOf(err)}
}

type File struct {
	Mime string `json:"mime"`
	Ref  string `json:"ref"`
}

type ToolResult struct {
	CallID string          `json:"call_id"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ToolError      `json:"error,omitempty"`
	File   *File           `json:"file,omitempty"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

type Finish struct {
	Reason FinishReason `json:"reason"`
	Usage  *Usage       `json:"usage,omitempty"`
}

func (Finish) Kind() Kind { return KindFinish }

type Error struct {
	Code    errorx.Code `json:"code"`
	Message string      `json:"message"`
}

func (Error) Kind() Kind { return KindError }

// Chunk is one sequenced unit of a stream.
type Chunk struct {
	Seq       uint64
	Timestamp strfmt.DateTime
	Payload   Payload
}

// New creates a chunk stamped with the current time.
func New(seq uint64, payload Payload) Chunk {
	return Chunk{Seq: seq, Timestamp: strfmt.DateTime(time.Now().UTC()), Payload: payload}
}

func (c Chunk) Kind() Kind {
	if c.Payload == nil {
		return ""
	}
	return c.Payload.Kind()
}

// Terminal reports whether c ends its stream.
func (c Chunk) Terminal() bool {
	k := c.Kind()
	return k == KindFinish || k == KindError
}

func (c Chunk) String() string {
	return fmt.Sprintf("chunk(%d, %s)", c.Seq, c.Kind())
}

// MarshalJSON implements custom JSON marshaling for Chunk
func (c Chunk) MarshalJSON() ([]byte, error) {
	if c.Payload == nil {
		return nil, fmt.Errorf("chunk %d has no payload", c.Seq)
	}
	result := chunkJSON

	var err error
	result, err = sjson.SetBytes(result, "seq", c.Seq)
	if err != nil {
		return nil, err
	}

	result, err = sjson.SetBytes(result, "type", string(c.Payload.Kind()))
	if err != nil {
		return nil, err
	}

	if !c.Timestamp.IsZero() {
		result, err = sjson.SetBytes(result, "timestamp", c.Timestamp.String())
		if err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return sjson.SetRawBytes(result, "payload", payload)
}

// UnmarshalJSON implements custom JSON unmarshaling for Chunk
func (c *Chunk) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("invalid json: %s", data)
	}

	seq := gjson.GetBytes(data, "seq")
	if !seq.Exists() {
		return fmt.Errorf("missing required field 'seq'")
	}
	if seq.Type != gjson.Number || seq.Num < 0 {
		return fmt.Errorf("invalid seq: %s", seq.Raw)
	}
	c.Seq = seq.Uint()

	msgType := gjson.GetBytes(data, "type")
	if !msgType.Exists() {
		return fmt.Errorf("missing required field 'type'")
	}

	if ts := gjson.GetBytes(data, "timestamp"); ts.Exists() {
		dt, err := strfmt.ParseDateTime(ts.String())
		if err != nil {
			return fmt.Errorf("invalid timestamp: %w", err)
		}
		c.Timestamp = dt
	}

	raw := gjson.GetBytes(data, "payload")
	if !raw.Exists() || !raw.IsObject() {
		return fmt.Errorf("missing required field 'payload'")
	}

	payload, err := decodePayload(Kind(msgType.String()), raw)
	if err != nil {
		return err
	}
	c.Payload = payload
	return nil
}

func decodePayload(kind Kind, raw gjson.Result) (Payload, error) {
	body := []byte(raw.Raw)
	switch kind {
	case KindTextDelta:
		return decodeAs[TextDelta](body)
	case KindReasoningDelta:
		return decodeAs[ReasoningDelta](body)
	case KindToolCallStart:
		if err := requireFields(raw, "call_id", "name"); err != nil {
			return nil, err
		}
		return decodeAs[ToolCallStart](body)
	case KindToolCallDelta:
		if err := requireFields(raw, "call_id"); err != nil {
			return nil, err
		}
		return decodeAs[ToolCallDelta](body)
	case KindToolResult:
		if err := requireFields(raw, "call_id", "name"); err != nil {
			return nil, err
		}
		return decodeAs[ToolResult](body)
	case KindFinish:
		if err := requireFields(raw, "reason"); err != nil {
			return nil, err
		}
		return decodeAs[Finish](body)
	case KindError:
		if err := requireFields(raw, "code"); err != nil {
			return nil, err
		}
		return decodeAs[Error](body)
	default:
		return nil, fmt.Errorf("unknown chunk type %q", kind)
	}
}

func requireFields(raw gjson.Result, fields ...string) error {
	for _, f := range fields {
		if !raw.Get(f).Exists() {
			return fmt.Errorf("missing required field 'payload.%s'", f)
		}
	}
	return nil
}

func decodeAs[T Payload](body []byte) (Payload, error) {
	var p T
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return p, nil
}
