package tool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sleepArgs struct {
	Millis int `json:"millis"`
}

type image struct {
	Ref string `json:"ref"`
}

func (i image) Attachment() *chunk.File {
	return &chunk.File{Mime: "image/png", Ref: i.Ref}
}

type fixture struct {
	engine *Engine
	calls  atomic.Int32
}

func newFixture(t *testing.T, options ...EngineOption) *fixture {
	t.Helper()
	f := &fixture{}

	counted := Must("counted", func(_ context.Context, call Call, args createArgs) (any, error) {
		f.calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]string{"title": args.Title, "call": call.CallID}, nil
	})
	sleepy := Must("sleepy", func(ctx context.Context, _ Call, args sleepArgs) (any, error) {
		select {
		case <-time.After(time.Duration(args.Millis) * time.Millisecond):
			return "woke", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, Timeout(50*time.Millisecond))
	failing := Must("failing", func(context.Context, Call, sleepArgs) (any, error) {
		return nil, errors.New("disk full")
	})
	conflicting := Must("conflicting", func(context.Context, Call, sleepArgs) (any, error) {
		return nil, errorx.VersionConflict("a1", 1, 2)
	})
	panicky := Must("panicky", func(context.Context, Call, sleepArgs) (any, error) {
		panic("kaboom")
	})
	picture := Must("picture", func(context.Context, Call, sleepArgs) (any, error) {
		return image{Ref: "artifact://a1/1"}, nil
	})

	reg, err := NewRegistry(counted, sleepy, failing, conflicting, panicky, picture)
	require.NoError(t, err)
	f.engine, err = NewEngine(reg, options...)
	require.NoError(t, err)
	return f
}

func call(name, callID, args string) Call {
	return Call{TurnID: "turn-1", ChatID: "chat-1", CallID: callID, Name: name, Args: json.RawMessage(args)}
}

func TestEngine_Invoke(t *testing.T) {
	f := newFixture(t)

	res, err := f.engine.Invoke(context.Background(), call("counted", "c1", `{"title":"notes.txt","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "c1", res.CallID)
	assert.Equal(t, "counted", res.Name)
	assert.JSONEq(t, `{"title":"notes.txt","call":"c1"}`, string(res.Output))

	inv, ok := f.engine.Invocation("turn-1", "c1")
	require.True(t, ok)
	assert.Equal(t, StateResultReady, inv.State)
	assert.False(t, inv.FinishedAt.IsZero())
}

func TestEngine_Failures(t *testing.T) {
	tests := []struct {
		name     string
		call     Call
		wantCode errorx.Code
	}{
		{"unknown tool", call("missing", "c1", `{}`), errorx.CodeUnknownTool},
		{"invalid arguments", call("counted", "c2", `{"title":"x"}`), errorx.CodeInvalidArguments},
		{"timeout", call("sleepy", "c3", `{"millis":500}`), errorx.CodeToolTimeout},
		{"execution failure", call("failing", "c4", `{"millis":0}`), errorx.CodeToolExecutionFailed},
		{"classified failure", call("conflicting", "c5", `{"millis":0}`), errorx.CodeVersionConflict},
		{"panic", call("panicky", "c6", `{"millis":0}`), errorx.CodeToolExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.Invoke(context.Background(), tt.call)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errorx.CodeOf(err))

			inv, ok := f.engine.Invocation(tt.call.TurnID, tt.call.CallID)
			require.True(t, ok)
			assert.Equal(t, StateFailed, inv.State)
		})
	}
}

func TestEngine_InvalidArgumentsNeverExecute(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Invoke(context.Background(), call("counted", "c1", `{"content":"hi"}`))
	require.Error(t, err)
	assert.Equal(t, "title", errorx.FieldOf(err))
	assert.Equal(t, int32(0), f.calls.Load())
}

func TestEngine_IdempotentPerCallID(t *testing.T) {
	f := newFixture(t)
	c := call("counted", "c1", `{"title":"a","content":"b"}`)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.Invoke(context.Background(), c)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	again, err := f.engine.Invoke(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.calls.Load())
	for _, res := range results {
		assert.JSONEq(t, string(again.Output), string(res.Output))
	}

	other := c
	other.CallID = "c2"
	_, err = f.engine.Invoke(context.Background(), other)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestEngine_ForgetAllowsRerun(t *testing.T) {
	f := newFixture(t)
	c := call("counted", "c1", `{"title":"a","content":"b"}`)

	_, err := f.engine.Invoke(context.Background(), c)
	require.NoError(t, err)
	f.engine.Forget("turn-1")
	_, ok := f.engine.Invocation("turn-1", "c1")
	assert.False(t, ok)

	_, err = f.engine.Invoke(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.calls.Load())
}

func TestEngine_TrackStartsAtCallStarted(t *testing.T) {
	f := newFixture(t)
	f.engine.Track("turn-1", "c9", "counted")

	inv, ok := f.engine.Invocation("turn-1", "c9")
	require.True(t, ok)
	assert.Equal(t, StateCallStarted, inv.State)
	assert.Equal(t, "counted", inv.Name)
}

func TestEngine_Attachment(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Invoke(context.Background(), call("picture", "c1", `{"millis":0}`))
	require.NoError(t, err)
	require.NotNil(t, res.File)
	assert.Equal(t, "artifact://a1/1", res.File.Ref)
}

func TestEngine_DefaultTimeoutOption(t *testing.T) {
	_, err := NewEngine(NewSet(), WithTimeout(0))
	assert.Error(t, err)

	_, err = NewEngine(nil)
	assert.Error(t, err)
}

func TestEngine_Scoped(t *testing.T) {
	f := newFixture(t)
	scoped := f.engine.Scoped(NewSet())

	_, err := scoped.Invoke(context.Background(), call("counted", "c1", `{"title":"a","content":"b"}`))
	assert.ErrorIs(t, err, errorx.ErrUnknownTool)

	inv, ok := f.engine.Invocation("turn-1", "c1")
	require.True(t, ok)
	assert.Equal(t, StateFailed, inv.State)
}

func TestInvocation_Transitions(t *testing.T) {
	inv := newInvocation("t", "c", "x")
	assert.Error(t, inv.transition(StateResultReady))
	require.NoError(t, inv.transition(StateArgsComplete))
	require.NoError(t, inv.transition(StateExecuting))
	inv.succeed(Result{CallID: "c"})
	assert.Equal(t, StateResultReady, inv.snapshot().State)

	inv.fail(errors.New("late"))
	assert.Equal(t, StateResultReady, inv.snapshot().State)
	assert.NoError(t, inv.snapshot().Err)
}
