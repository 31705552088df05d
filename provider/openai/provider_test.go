package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/provider"
	"github.com/casualjim/parley/tool"
	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func setupTestServer(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(option.WithBaseURL(server.URL+"/v1/"), option.WithAPIKey("test"), option.WithMaxRetries(0))
}

func sse(t *testing.T, w http.ResponseWriter, events ...string) {
	t.Helper()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, event := range events {
		_, err := fmt.Fprintf(w, "data: %s\n\n", event)
		require.NoError(t, err)
		flusher.Flush()
		time.Sleep(5 * time.Millisecond)
	}
	_, err := fmt.Fprint(w, "data: [DONE]\n\n")
	require.NoError(t, err)
	flusher.Flush()
}

func collect(t *testing.T, events <-chan provider.StreamEvent) []provider.StreamEvent {
	t.Helper()
	var out []provider.StreamEvent //nolint:prealloc
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
			return out
		}
	}
}

func textChunk(text string) string {
	return `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":` + fmt.Sprintf("%q", text) + `}}]}`
}

func TestNew(t *testing.T) {
	p := New()
	assert.NotNil(t, p)
	assert.NotNil(t, p.client)
}

func TestProvider_Stream_Text(t *testing.T) {
	var body []byte
	p := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		sse(t, w,
			textChunk("Hel"),
			textChunk("lo"),
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"gpt-4o-mini","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		)
	})

	events, err := p.Stream(context.Background(), provider.Request{
		Model:        "gpt-4o-mini",
		Instructions: "be brief",
		Messages:     []messages.Message{messages.UserText("m1", "c1", "t1", "Hello", strfmt.DateTime{})},
	})
	require.NoError(t, err)
	got := collect(t, events)

	require.Len(t, got, 3)
	assert.Equal(t, provider.TextDelta{Text: "Hel"}, got[0])
	assert.Equal(t, provider.TextDelta{Text: "lo"}, got[1])
	fin, ok := got[2].(provider.Finish)
	require.True(t, ok)
	assert.Equal(t, chunk.FinishStop, fin.Reason)
	require.NotNil(t, fin.Usage)
	assert.Equal(t, int64(7), fin.Usage.TotalTokens)

	req := gjson.ParseBytes(body)
	assert.Equal(t, "gpt-4o-mini", req.Get("model").String())
	assert.True(t, req.Get("stream").Bool())
	assert.True(t, req.Get("stream_options.include_usage").Bool())
	assert.Equal(t, "system", req.Get("messages.0.role").String())
	assert.Equal(t, "user", req.Get("messages.1.role").String())
	assert.Equal(t, "Hello", contentText(req.Get("messages.1.content")))
}

func TestProvider_Stream_ToolCalls(t *testing.T) {
	p := setupTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		sse(t, w,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"createDocument","arguments":""}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"weather","arguments":"{}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"title\":"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a\"}"}}]}}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		)
	})

	def := tool.Must("createDocument", func(context.Context, tool.Call, struct {
		Title string `json:"title"`
	}) (any, error) {
		return nil, nil
	}, tool.Description("make a doc"))

	events, err := p.Stream(context.Background(), provider.Request{Model: "m", Tools: []tool.Definition{def}})
	require.NoError(t, err)
	got := collect(t, events)

	var starts []provider.ToolCallStart
	var ends []provider.ToolCallEnd
	var deltas strings.Builder
	for _, ev := range got {
		switch e := ev.(type) {
		case provider.ToolCallStart:
			starts = append(starts, e)
		case provider.ToolCallDelta:
			if e.CallID == "call_a" {
				deltas.WriteString(e.ArgsDelta)
			}
		case provider.ToolCallEnd:
			ends = append(ends, e)
		}
	}
	assert.Equal(t, []provider.ToolCallStart{{CallID: "call_a", Name: "createDocument"}, {CallID: "call_b", Name: "weather"}}, starts)
	assert.Equal(t, `{"title":"a"}`, deltas.String())
	require.Len(t, ends, 2)
	assert.Equal(t, "call_a", ends[0].CallID)
	assert.JSONEq(t, `{"title":"a"}`, string(ends[0].Args))
	assert.JSONEq(t, `{}`, string(ends[1].Args))

	fin, ok := got[len(got)-1].(provider.Finish)
	require.True(t, ok)
	assert.Equal(t, chunk.FinishToolCalls, fin.Reason)
}

func TestProvider_Stream_HTTPError(t *testing.T) {
	p := setupTestServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
	})

	events, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)
	got := collect(t, events)
	require.Len(t, got, 1)
	_, ok := got[0].(provider.Error)
	assert.True(t, ok)
}

func TestProvider_Stream_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	p := setupTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "data: %s\n\n", textChunk("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	events, err := p.Stream(ctx, provider.Request{Model: "m"})
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, provider.TextDelta{Text: "partial"}, first)
	cancel()

	select {
	case _, ok := <-events:
		for ok {
			_, ok = <-events
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop after cancellation")
	}
}

func TestMessagesToOpenAI(t *testing.T) {
	history := []messages.Message{
		messages.UserText("u1", "c1", "t1", "make a doc", strfmt.DateTime{}),
		{
			ID:   "a1",
			Role: messages.RoleAssistant,
			Parts: []messages.Part{
				{Index: 0, Kind: messages.PartReasoning, Text: "thinking"},
				{Index: 1, Kind: messages.PartText, Text: "Sure."},
				{Index: 2, Kind: messages.PartToolCall, ToolCallID: "call_a", ToolName: "createDocument", Args: json.RawMessage(`{"title":"a"}`)},
				{Index: 3, Kind: messages.PartToolResult, ToolCallID: "call_a", ToolName: "createDocument", Output: json.RawMessage(`{"id":"x","version":1}`)},
				{Index: 4, Kind: messages.PartToolResult, ToolCallID: "call_b", ToolName: "weather", Error: &chunk.ToolError{Code: "ToolTimeout", Message: "slow"}},
				{Index: 5, Kind: messages.PartText, Text: "Done."},
			},
		},
	}

	out := messagesToOpenAI("", history)
	raw, err := json.Marshal(out)
	require.NoError(t, err)
	msgs := gjson.ParseBytes(raw).Array()

	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.Get("role").String())
	}
	assert.Equal(t, []string{"user", "assistant", "assistant", "tool", "tool", "assistant"}, roles)
	assert.Equal(t, "Sure.", contentText(msgs[1].Get("content")))
	assert.Equal(t, "call_a", msgs[2].Get("tool_calls.0.id").String())
	assert.Equal(t, `{"title":"a"}`, msgs[2].Get("tool_calls.0.function.arguments").String())
	assert.Equal(t, "call_a", msgs[3].Get("tool_call_id").String())
	assert.Equal(t, "ToolTimeout", gjson.Get(contentText(msgs[4].Get("content")), "error.code").String())
	assert.Equal(t, "Done.", contentText(msgs[5].Get("content")))
}

func TestFinishReason(t *testing.T) {
	assert.Equal(t, chunk.FinishStop, finishReason("stop"))
	assert.Equal(t, chunk.FinishStop, finishReason("content_filter"))
	assert.Equal(t, chunk.FinishLength, finishReason("length"))
	assert.Equal(t, chunk.FinishToolCalls, finishReason("tool_calls"))
}

func TestModel_Cached(t *testing.T) {
	a := Model("cached-model")
	b := Model("cached-model")
	assert.Same(t, a, b)
	assert.Equal(t, "cached-model", a.Name())
	assert.NotNil(t, a.Provider())
}

// contentText reads message content whether it was encoded as a string or as
// an array of text parts.
func contentText(r gjson.Result) string {
	if !r.IsArray() {
		return r.String()
	}
	var b strings.Builder
	for _, part := range r.Array() {
		b.WriteString(part.Get("text").String())
	}
	return b.String()
}
