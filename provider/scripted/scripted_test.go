package scripted

import (
	"context"
	"testing"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/provider"
	"github.com/go-openapi/strfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, p *Provider, req provider.Request) []provider.StreamEvent {
	t.Helper()
	events, err := p.Stream(context.Background(), req)
	require.NoError(t, err)
	var out []provider.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestSteps(t *testing.T) {
	p := New(Steps(Text("one"), Text("two")))

	first := drain(t, p, provider.Request{TurnID: "t1"})
	second := drain(t, p, provider.Request{TurnID: "t1"})
	third := drain(t, p, provider.Request{TurnID: "t1"})
	other := drain(t, p, provider.Request{TurnID: "t2"})

	assert.Equal(t, provider.TextDelta{Text: "one"}, first[0])
	assert.Equal(t, provider.TextDelta{Text: "two"}, second[0])
	assert.Equal(t, []provider.StreamEvent{provider.Finish{Reason: chunk.FinishStop}}, third)
	assert.Equal(t, provider.TextDelta{Text: "one"}, other[0])
	assert.Len(t, p.Requests(), 4)
}

func TestEcho_CreateFile(t *testing.T) {
	p := New(Echo)
	req := provider.Request{TurnID: "t1", Messages: []messages.Message{
		messages.UserText("m1", "c1", "t1", "create a file named notes.txt with content 'hi'", strfmt.DateTime{}),
	}}

	first := drain(t, p, req)
	var end provider.ToolCallEnd
	for _, ev := range first {
		if e, ok := ev.(provider.ToolCallEnd); ok {
			end = e
		}
	}
	assert.JSONEq(t, `{"title":"notes.txt","content":"hi"}`, string(end.Args))
	assert.Equal(t, provider.Finish{Reason: chunk.FinishToolCalls}, first[len(first)-1])

	second := drain(t, p, req)
	fin, ok := second[len(second)-1].(provider.Finish)
	require.True(t, ok)
	assert.Equal(t, chunk.FinishStop, fin.Reason)
}

func TestStream_Cancel(t *testing.T) {
	p := New(Steps(Text("a b c d e f")), WithDelay(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	events, err := p.Stream(ctx, provider.Request{TurnID: "t1"})
	require.NoError(t, err)
	cancel()

	var got []provider.StreamEvent
	for ev := range events {
		got = append(got, ev)
	}
	assert.LessOrEqual(t, len(got), 1)
}
