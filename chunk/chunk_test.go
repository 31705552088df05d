package chunk

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func mustTime(t *testing.T) strfmt.DateTime {
	dt, err := strfmt.ParseDateTime("2024-05-01T10:00:00.000Z")
	require.NoError(t, err)
	return dt
}

func TestChunk_MarshalJSON(t *testing.T) {
	c := Chunk{Seq: 3, Timestamp: mustTime(t), Payload: ToolCallStart{CallID: "c1", Name: "createDocument"}}

	data, err := json.Marshal(c)
	require.NoError(t, err)

	assert.Equal(t, int64(3), gjson.GetBytes(data, "seq").Int())
	assert.Equal(t, "tool-call-start", gjson.GetBytes(data, "type").String())
	assert.Equal(t, "c1", gjson.GetBytes(data, "payload.call_id").String())
	assert.Equal(t, "createDocument", gjson.GetBytes(data, "payload.name").String())
	assert.True(t, gjson.GetBytes(data, "timestamp").Exists())
}

func TestChunk_MarshalJSON_NoPayload(t *testing.T) {
	_, err := json.Marshal(Chunk{Seq: 1})
	assert.Error(t, err)
}

func TestChunk_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Payload
	}{
		{"text", `{"seq":0,"type":"text-delta","payload":{"text":"hi"}}`, TextDelta{Text: "hi"}},
		{"reasoning", `{"seq":1,"type":"reasoning-delta","payload":{"text":"hmm"}}`, ReasoningDelta{Text: "hmm"}},
		{"tool delta", `{"seq":2,"type":"tool-call-delta","payload":{"call_id":"c1","args_delta":"{\"a\""}}`, ToolCallDelta{CallID: "c1", ArgsDelta: `{"a"`}},
		{"finish", `{"seq":3,"type":"finish","payload":{"reason":"stop","usage":{"prompt_tokens":1,"completion_tokens":2,"total_tokens":3}}}`, Finish{Reason: FinishStop, Usage: &Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}}},
		{"error", `{"seq":4,"type":"error","payload":{"code":"ModelProviderError","message":"boom"}}`, Error{Code: errorx.CodeModelProviderError, Message: "boom"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Chunk
			require.NoError(t, json.Unmarshal([]byte(tt.json), &c))
			assert.Equal(t, tt.want, c.Payload)
		})
	}
}

func TestChunk_UnmarshalJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"not json", `{"seq":`, "invalid json"},
		{"missing seq", `{"type":"text-delta","payload":{}}`, "missing required field 'seq'"},
		{"negative seq", `{"seq":-1,"type":"text-delta","payload":{}}`, "invalid seq"},
		{"missing type", `{"seq":0,"payload":{}}`, "missing required field 'type'"},
		{"missing payload", `{"seq":0,"type":"text-delta"}`, "missing required field 'payload'"},
		{"unknown type", `{"seq":0,"type":"bogus","payload":{}}`, "unknown chunk type"},
		{"missing call id", `{"seq":0,"type":"tool-result","payload":{"name":"x"}}`, "missing required field 'payload.call_id'"},
		{"missing reason", `{"seq":0,"type":"finish","payload":{}}`, "missing required field 'payload.reason'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var c Chunk
			err := c.UnmarshalJSON([]byte(tt.json))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestChunk_Terminal(t *testing.T) {
	assert.True(t, New(0, Finish{Reason: FinishStop}).Terminal())
	assert.True(t, New(0, Error{Code: errorx.CodeModelProviderError}).Terminal())
	assert.False(t, New(0, TextDelta{Text: "x"}).Terminal())
	assert.False(t, Chunk{}.Terminal())
}

func TestToolErrorFrom(t *testing.T) {
	assert.Nil(t, ToolErrorFrom(nil))

	te := ToolErrorFrom(errorx.InvalidArguments("title", "is required"))
	assert.Equal(t, errorx.CodeInvalidArguments, te.Code)
	assert.Equal(t, "title", te.Field)

	te = ToolErrorFrom(errors.New("plain"))
	assert.Equal(t, errorx.CodeToolExecutionFailed, te.Code)
}

func sampleStream(t *testing.T) []Chunk {
	ts := mustTime(t)
	return []Chunk{
		{Seq: 0, Timestamp: ts, Payload: TextDelta{Text: "Creating "}},
		{Seq: 1, Timestamp: ts, Payload: ToolCallStart{CallID: "c1", Name: "createDocument"}},
		{Seq: 2, Timestamp: ts, Payload: ToolCallDelta{CallID: "c1", ArgsDelta: `{"title":"notes.txt"}`, ArgsComplete: true, Args: json.RawMessage(`{"title":"notes.txt"}`)}},
		{Seq: 3, Timestamp: ts, Payload: ToolResult{CallID: "c1", Name: "createDocument", Output: json.RawMessage(`{"id":"a1","version":1}`)}},
		{Seq: 4, Timestamp: ts, Payload: Finish{Reason: FinishStop}},
	}
}

func TestCodec(t *testing.T) {
	for _, framing := range []Framing{NDJSON, LengthDelimited} {
		t.Run(framing.String(), func(t *testing.T) {
			in := sampleStream(t)

			var buf bytes.Buffer
			enc := NewEncoder(&buf, framing)
			for _, c := range in {
				require.NoError(t, enc.Encode(c))
			}

			var out []Chunk
			for c, err := range NewDecoder(&buf, framing).All() {
				require.NoError(t, err)
				out = append(out, c)
			}
			require.Len(t, out, len(in))
			for i := range in {
				assert.Equal(t, in[i].Seq, out[i].Seq)
				assert.Equal(t, in[i].Kind(), out[i].Kind())
				assert.Equal(t, in[i].Timestamp.String(), out[i].Timestamp.String())
			}
			assert.True(t, out[len(out)-1].Terminal())
		})
	}
}

func TestDecoder_NDJSONSkipsBlankLines(t *testing.T) {
	input := "\n" + `{"seq":0,"type":"text-delta","payload":{"text":"a"}}` + "\n\n" + `{"seq":1,"type":"finish","payload":{"reason":"stop"}}`
	dec := NewDecoder(bytes.NewBufferString(input), NDJSON)

	c, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TextDelta{Text: "a"}, c.Payload)

	c, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindFinish, c.Kind())

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoder_TruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf, LengthDelimited).Encode(New(0, TextDelta{Text: "hello"})))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	_, err := NewDecoder(truncated, LengthDelimited).Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "truncated frame")
}

func TestEncoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	err := NewEncoder(&buf, LengthDelimited).Encode(New(0, TextDelta{Text: strings.Repeat("a", MaxFrameSize)}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Zero(t, buf.Len())

	require.NoError(t, NewEncoder(&buf, NDJSON).Encode(New(0, TextDelta{Text: strings.Repeat("a", MaxFrameSize)})))
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("length")
	require.NoError(t, err)
	assert.Equal(t, LengthDelimited, f)
	assert.Equal(t, "application/octet-stream", f.ContentType())

	f, err = ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, NDJSON, f)

	_, err = ParseFraming("xml")
	assert.Error(t, err)
}
