package parley

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/casualjim/parley/assembler"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/casualjim/parley/provider"
	"github.com/casualjim/parley/tool"
	json "github.com/goccy/go-json"
	"github.com/go-openapi/strfmt"
	"github.com/sourcegraph/conc"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errStopped ends the run loop once the stream was sealed by Stop.
var errStopped = errors.New("turn stopped")

// run is the state of one turn. Sequence numbers are assigned under mu at the
// moment a chunk is appended, so the stream, the assembler and every hook see
// the same order.
type run struct {
	o      *Orchestrator
	model  provider.Model
	tools  tool.Set
	engine *tool.Engine
	prompt []messages.Message

	mu         sync.Mutex
	turn       Turn
	seq        uint64
	sealed     bool
	asm        *assembler.Assembler
	cancelStep context.CancelFunc

	results  chan toolOutcome
	stopped  chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	tasks    conc.WaitGroup
	done     CompletableFuture[Turn]

	// owned by the loop goroutine
	inflight int
	calls    map[string]*pendingCall
	order    []string
}

type pendingCall struct {
	name  string
	args  strings.Builder
	ended bool
}

type toolOutcome struct {
	call tool.Call
	res  tool.Result
	err  error
}

func newRun(o *Orchestrator, t Turn, model provider.Model, set tool.Set, asm *assembler.Assembler, prompt []messages.Message) *run {
	return &run{
		o:       o,
		model:   model,
		tools:   set,
		engine:  o.engine.Scoped(set),
		prompt:  prompt,
		turn:    t,
		asm:     asm,
		results: make(chan toolOutcome, 16),
		stopped: make(chan struct{}),
		exited:  make(chan struct{}),
		done:    NewFuture[Turn](),
		calls:   make(map[string]*pendingCall),
	}
}

func (r *run) snapshot() Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turn
}

func (r *run) loop(ctx context.Context) {
	defer close(r.exited)
	ctx, span := r.o.tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("turn.id", r.turn.ID),
		attribute.String("chat.id", r.turn.ChatID),
		attribute.String("stream.id", r.turn.StreamID),
		attribute.String("model", r.turn.Model),
	))
	defer span.End()

	stopRenew := r.keepLease(ctx)
	defer stopRenew()

	r.mu.Lock()
	if !r.sealed {
		r.turn.Status = StatusStreaming
	}
	r.mu.Unlock()

	prompt := r.prompt
	for step := 1; ; step++ {
		reason, called, err := r.step(ctx, prompt)
		if err == nil {
			err = r.drain(ctx)
		}
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(errorx.CodeOf(err)))
			r.abort(ctx, err)
			return
		}
		if reason != chunk.FinishToolCalls || !called || step >= r.o.maxSteps {
			r.terminate(ctx, chunk.Finish{Reason: reason, Usage: r.usage()})
			return
		}
		prompt = append(slices.Clone(r.prompt), r.assembled())
	}
}

// step streams one model request. It returns when the model finishes; tool
// calls it started may still be executing.
func (r *run) step(ctx context.Context, prompt []messages.Message) (chunk.FinishReason, bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return "", false, errStopped
	}
	r.cancelStep = cancel
	r.turn.Steps++
	r.mu.Unlock()

	events, err := r.model.Provider().Stream(sctx, provider.Request{
		TurnID:       r.turn.ID,
		Model:        r.model.Name(),
		Instructions: r.o.instructions,
		Messages:     prompt,
		Tools:        r.tools.Definitions(),
	})
	if err != nil {
		return "", false, errorx.ModelProviderError(err)
	}

	var called bool
	for {
		select {
		case <-r.stopped:
			return "", called, errStopped
		case out := <-r.results:
			if err := r.deliver(ctx, out); err != nil {
				return "", called, err
			}
		case ev, ok := <-events:
			if !ok {
				if r.isStopped() {
					return "", called, errStopped
				}
				return "", called, errorx.ModelProviderError(errors.New("model stream ended without a finish event"))
			}
			var err error
			switch ev := ev.(type) {
			case provider.TextDelta:
				if ev.Text != "" {
					err = r.emit(ctx, chunk.TextDelta{Text: ev.Text})
				}
			case provider.ReasoningDelta:
				if ev.Text != "" {
					err = r.emit(ctx, chunk.ReasoningDelta{Text: ev.Text})
				}
			case provider.ToolCallStart:
				called = true
				err = r.startCall(ctx, ev.CallID, ev.Name)
			case provider.ToolCallDelta:
				err = r.argsDelta(ctx, ev.CallID, ev.ArgsDelta)
			case provider.ToolCallEnd:
				err = r.endCall(ctx, ev.CallID, ev.Args)
			case provider.Finish:
				r.addUsage(ev.Usage)
				if err := r.endOpenCalls(ctx); err != nil {
					return "", called, err
				}
				reason := ev.Reason
				if reason == "" {
					reason = chunk.FinishStop
				}
				return reason, called, nil
			case provider.Error:
				if r.isStopped() {
					return "", called, errStopped
				}
				return "", called, errorx.ModelProviderError(ev.Err)
			}
			if err != nil {
				return "", called, err
			}
		}
	}
}

// drain waits for every running tool invocation and splices its result.
func (r *run) drain(ctx context.Context) error {
	for r.inflight > 0 {
		select {
		case <-r.stopped:
			return errStopped
		case out := <-r.results:
			if err := r.deliver(ctx, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) startCall(ctx context.Context, callID, name string) error {
	if _, seen := r.calls[callID]; seen {
		return nil
	}
	r.calls[callID] = &pendingCall{name: name}
	r.order = append(r.order, callID)
	r.engine.Track(r.turn.ID, callID, name)
	return r.emit(ctx, chunk.ToolCallStart{CallID: callID, Name: name})
}

func (r *run) argsDelta(ctx context.Context, callID, delta string) error {
	pc, ok := r.calls[callID]
	if !ok || pc.ended {
		slog.WarnContext(ctx, "ignoring arguments of unknown tool call", slogx.TurnID(r.turn.ID), slogx.CallID(callID))
		return nil
	}
	pc.args.WriteString(delta)
	return r.emit(ctx, chunk.ToolCallDelta{CallID: callID, ArgsDelta: delta})
}

// endCall marks the arguments of a call complete and starts executing it
// without blocking the model stream.
func (r *run) endCall(ctx context.Context, callID string, args json.RawMessage) error {
	pc, ok := r.calls[callID]
	if !ok || pc.ended {
		return nil
	}
	pc.ended = true
	if len(args) == 0 {
		args = json.RawMessage(pc.args.String())
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	delta := chunk.ToolCallDelta{CallID: callID, ArgsComplete: true}
	if gjson.ValidBytes(args) {
		delta.Args = args
	}
	if err := r.emit(ctx, delta); err != nil {
		return err
	}

	call := tool.Call{
		TurnID: r.turn.ID,
		ChatID: r.turn.ChatID,
		CallID: callID,
		Name:   pc.name,
		Args:   args,
	}
	r.inflight++
	tctx := context.WithoutCancel(ctx)
	r.tasks.Go(func() {
		res, err := r.engine.Invoke(tctx, call)
		if inv, ok := r.engine.Invocation(call.TurnID, call.CallID); ok {
			r.o.hook.OnToolResult(tctx, r.snapshot(), inv)
		}
		select {
		case r.results <- toolOutcome{call: call, res: res, err: err}:
		case <-r.exited:
		}
	})
	return nil
}

// endOpenCalls completes calls the model started but never closed, using the
// arguments streamed so far.
func (r *run) endOpenCalls(ctx context.Context) error {
	for _, id := range r.order {
		if pc := r.calls[id]; !pc.ended {
			if err := r.endCall(ctx, id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) deliver(ctx context.Context, out toolOutcome) error {
	r.inflight--
	res := chunk.ToolResult{CallID: out.call.CallID, Name: out.call.Name}
	if out.err != nil {
		res.Error = chunk.ToolErrorFrom(out.err)
	} else {
		res.Output = out.res.Output
		res.File = out.res.File
	}
	return r.emit(ctx, res)
}

// emit appends a non terminal chunk. It reports errStopped once the stream
// is sealed.
func (r *run) emit(ctx context.Context, p chunk.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errStopped
	}
	c := chunk.New(r.seq, p)
	if err := r.o.streams.Append(ctx, r.turn.StreamID, c); err != nil {
		return fmt.Errorf("append chunk %d to stream %s: %w", c.Seq, r.turn.StreamID, err)
	}
	r.seq++
	r.publishLocked(ctx, c)
	return nil
}

func (r *run) publishLocked(ctx context.Context, c chunk.Chunk) {
	if err := r.asm.OnChunk(ctx, c); err != nil {
		slog.WarnContext(ctx, "persist message part", slogx.TurnID(r.turn.ID), slog.Uint64("seq", c.Seq), slogx.Error(err))
	}
	r.o.hook.OnChunk(ctx, r.turn, c)
}

// terminate appends the terminal chunk, seals the stream and releases the
// chat. Only the first call for a turn has an effect.
func (r *run) terminate(ctx context.Context, p chunk.Payload) bool {
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return false
	}
	r.sealed = true
	c := chunk.New(r.seq, p)
	if err := r.o.streams.Append(ctx, r.turn.StreamID, c); err != nil {
		slog.ErrorContext(ctx, "append terminal chunk", slogx.StreamID(r.turn.StreamID), slogx.Error(err))
	} else {
		r.seq++
	}
	r.publishLocked(ctx, c)
	if err := r.o.streams.Seal(ctx, r.turn.StreamID); err != nil {
		slog.ErrorContext(ctx, "seal stream", slogx.StreamID(r.turn.StreamID), slogx.Error(err))
	}
	r.turn.Status = statusFor(p)
	r.turn.FinishedAt = strfmt.DateTime(time.Now().UTC())
	if e, ok := p.(chunk.Error); ok {
		r.turn.Error = &e
	}
	final := r.turn
	r.mu.Unlock()

	if err := r.o.leases.Release(ctx, final.ChatID, final.ID); err != nil {
		slog.WarnContext(ctx, "release lease", slogx.ChatID(final.ChatID), slogx.Error(err))
	}
	r.o.hook.OnTurnEnd(ctx, final)
	r.done.Complete(final)
	r.o.reap(r)
	return true
}

// abort ends the turn with an error chunk. Parts that were already persisted
// are kept.
func (r *run) abort(ctx context.Context, err error) {
	code := errorx.CodeOf(err)
	if code == "" {
		code = errorx.CodeModelProviderError
	}
	slog.ErrorContext(ctx, "turn failed", slogx.TurnID(r.turn.ID), slogx.Error(err))
	r.terminate(ctx, chunk.Error{Code: code, Message: err.Error()})
}

func (r *run) stop(ctx context.Context) {
	r.terminate(ctx, chunk.Finish{Reason: chunk.FinishStopped, Usage: r.usage()})
	r.stopOnce.Do(func() { close(r.stopped) })

	r.mu.Lock()
	cancel := r.cancelStep
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *run) isStopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// keepLease renews the chat lease every third of its ttl until the returned
// func is called.
func (r *run) keepLease(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	ttl := r.o.leaseTTL
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.o.leases.Renew(ctx, r.turn.ChatID, r.turn.ID, ttl); err != nil && ctx.Err() == nil {
					slog.WarnContext(ctx, "renew lease", slogx.ChatID(r.turn.ChatID), slogx.TurnID(r.turn.ID), slogx.Error(err))
				}
			}
		}
	}()
	return cancel
}

func (r *run) usage() *chunk.Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turn.Usage == (chunk.Usage{}) {
		return nil
	}
	u := r.turn.Usage
	return &u
}

func (r *run) addUsage(u *chunk.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turn.Usage.Add(u)
}

func (r *run) assembled() messages.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.asm.Message()
}
