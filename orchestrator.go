package parley

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/assembler"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/lease"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/casualjim/parley/pkg/uuidx"
	"github.com/casualjim/parley/provider"
	"github.com/casualjim/parley/streamstore"
	"github.com/casualjim/parley/tool"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator runs turns. Each turn holds the chat lease, streams model
// output into a stream record and folds the same chunks into the assistant
// message.
type Orchestrator struct {
	streams streamstore.Store
	leases  lease.Manager
	store   assembler.Store
	models  *provider.Registry
	tools   *tool.Registry
	engine  *tool.Engine
	bus     ControlBus
	hooks   []Hook
	hook    Hook
	tracer  trace.Tracer

	leaseTTL     time.Duration
	maxSteps     int
	historyLimit int
	flushEvery   int
	reapAfter    time.Duration
	instructions string
	nodeID       string

	turns    *haxmap.Map[string, *run]
	byStream *haxmap.Map[string, *run]
	runs     conc.WaitGroup

	unsubscribe func()
	cancel      context.CancelFunc
}

func New(streams streamstore.Store, leases lease.Manager, store assembler.Store, models *provider.Registry, options ...Option) (*Orchestrator, error) {
	var err error
	if streams == nil {
		err = errors.Join(err, errors.New("stream store is required"))
	}
	if leases == nil {
		err = errors.Join(err, errors.New("lease manager is required"))
	}
	if store == nil {
		err = errors.Join(err, errors.New("message store is required"))
	}
	if models == nil {
		err = errors.Join(err, errors.New("model registry is required"))
	}
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		streams:      streams,
		leases:       leases,
		store:        store,
		models:       models,
		tracer:       otel.Tracer("github.com/casualjim/parley"),
		leaseTTL:     DefaultLeaseTTL,
		maxSteps:     DefaultMaxSteps,
		historyLimit: DefaultHistoryLimit,
		flushEvery:   assembler.DefaultFlushEvery,
		reapAfter:    DefaultReapAfter,
		nodeID:       uuidx.NewString(),
		turns:        haxmap.New[string, *run](),
		byStream:     haxmap.New[string, *run](),
	}
	if err := opts.Apply(o, options); err != nil {
		return nil, err
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	if o.tools == nil {
		if o.tools, err = tool.NewRegistry(); err != nil {
			return nil, err
		}
	}
	if o.engine == nil {
		if o.engine, err = tool.NewEngine(o.tools); err != nil {
			return nil, err
		}
	}
	switch len(o.hooks) {
	case 0:
		o.hook = NoopHook{}
	case 1:
		o.hook = o.hooks[0]
	default:
		o.hook = CompositeHook(o.hooks...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	if err := o.listen(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to control bus: %w", err)
	}
	return o, nil
}

func (o *Orchestrator) validate() error {
	var err error
	if o.leaseTTL <= 0 {
		err = errors.Join(err, fmt.Errorf("lease ttl must be positive, got %s", o.leaseTTL))
	}
	if o.maxSteps < 1 {
		err = errors.Join(err, fmt.Errorf("max steps must be at least 1, got %d", o.maxSteps))
	}
	if o.reapAfter <= 0 {
		err = errors.Join(err, fmt.Errorf("reap delay must be positive, got %s", o.reapAfter))
	}
	return err
}

// Engine returns the tool engine shared by every turn.
func (o *Orchestrator) Engine() *tool.Engine { return o.engine }

// StartTurn claims the chat, persists the user message and starts generating
// the assistant response in the background. It fails with TurnConflict while
// another turn of the chat is streaming, and with UnknownModel or UnknownTool
// before anything is claimed.
func (o *Orchestrator) StartTurn(ctx context.Context, req StartRequest) (Started, error) {
	if err := req.validate(); err != nil {
		return Started{}, err
	}
	model, err := o.models.Lookup(req.Model)
	if err != nil {
		return Started{}, err
	}
	set, err := o.tools.Select(req.Tools...)
	if err != nil {
		return Started{}, err
	}

	turnID := uuidx.NewString()
	if _, err := o.leases.Acquire(ctx, req.ChatID, turnID, o.leaseTTL); err != nil {
		return Started{}, err
	}
	started := false
	defer func() {
		if !started {
			if err := o.leases.Release(context.WithoutCancel(ctx), req.ChatID, turnID); err != nil {
				slog.WarnContext(ctx, "release lease", slogx.ChatID(req.ChatID), slogx.Error(err))
			}
		}
	}()

	history, err := o.store.Messages(ctx, req.ChatID, o.historyLimit)
	if err != nil {
		return Started{}, fmt.Errorf("load history of chat %s: %w", req.ChatID, err)
	}
	now := strfmt.DateTime(time.Now().UTC())
	user := messages.UserText(uuidx.NewString(), req.ChatID, turnID, req.Message, now)
	if err := o.store.SaveMessage(ctx, user); err != nil {
		return Started{}, fmt.Errorf("save user message: %w", err)
	}

	streamID := uuidx.NewString()
	if err := o.streams.Create(ctx, streamID, streamstore.Meta{TurnID: turnID, ChatID: req.ChatID}); err != nil {
		return Started{}, fmt.Errorf("create stream: %w", err)
	}
	asm, err := assembler.New(ctx, o.store, messages.Message{
		ID:     uuidx.NewString(),
		ChatID: req.ChatID,
		TurnID: turnID,
	}, assembler.WithFlushEvery(o.flushEvery))
	if err != nil {
		if serr := o.streams.Seal(context.WithoutCancel(ctx), streamID); serr != nil {
			slog.WarnContext(ctx, "seal abandoned stream", slogx.StreamID(streamID), slogx.Error(serr))
		}
		return Started{}, err
	}

	r := newRun(o, Turn{
		ID:            turnID,
		ChatID:        req.ChatID,
		StreamID:      streamID,
		MessageID:     asm.Message().ID,
		UserMessageID: user.ID,
		Model:         model.Name(),
		Status:        StatusPending,
		StartedAt:     now,
	}, model, set, asm, append(history, user))
	o.turns.Set(turnID, r)
	o.byStream.Set(streamID, r)
	started = true

	o.hook.OnTurnStart(ctx, r.snapshot())
	runCtx := context.WithoutCancel(ctx)
	o.runs.Go(func() { r.loop(runCtx) })

	return Started{TurnID: turnID, StreamID: streamID, MessageID: r.turn.MessageID, UserMessageID: user.ID}, nil
}

// Turn returns the current view of a turn known to this instance.
func (o *Orchestrator) Turn(turnID string) (Turn, error) {
	r, ok := o.turns.Get(turnID)
	if !ok {
		return Turn{}, errorx.New(errorx.CodeNotFound, "turn %s not found", turnID)
	}
	return r.snapshot(), nil
}

// Wait blocks until the turn ended or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, turnID string) (Turn, error) {
	r, ok := o.turns.Get(turnID)
	if !ok {
		return Turn{}, errorx.New(errorx.CodeNotFound, "turn %s not found", turnID)
	}
	return r.done.Wait(ctx)
}

// Subscribe replays the chunks of a stream starting at from and follows the
// stream until it is sealed.
func (o *Orchestrator) Subscribe(ctx context.Context, streamID string, from uint64) (iter.Seq2[chunk.Chunk, error], error) {
	return o.streams.Subscribe(ctx, streamID, from)
}

// Stop seals the stream with a stopped finish chunk. Tool invocations that
// are still executing run to completion but their results are not streamed.
// Stopping a sealed stream is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, streamID string) error {
	if r, ok := o.byStream.Get(streamID); ok {
		r.stop(ctx)
		return nil
	}

	info, err := o.streams.Info(ctx, streamID)
	if err != nil {
		return err
	}
	if info.Sealed {
		return nil
	}
	if o.bus != nil {
		alive, err := o.ownerAlive(ctx, info)
		if err != nil {
			return err
		}
		if alive {
			return o.bus.Publish(ctx, Control{Op: ControlStop, StreamID: streamID, Origin: o.nodeID})
		}
	}
	return o.stopOrphan(ctx, info)
}

// ownerAlive reports whether the turn of a stream still holds its chat lease.
// A lost lease means the instance that ran the turn is gone.
func (o *Orchestrator) ownerAlive(ctx context.Context, info streamstore.Info) (bool, error) {
	l, ok, err := o.leases.Current(ctx, info.Meta.ChatID)
	if err != nil {
		return false, fmt.Errorf("look up lease of chat %s: %w", info.Meta.ChatID, err)
	}
	return ok && l.Owner == info.Meta.TurnID, nil
}

// stopOrphan seals a stream whose owning process is gone.
func (o *Orchestrator) stopOrphan(ctx context.Context, info streamstore.Info) error {
	slog.WarnContext(ctx, "stopping orphaned stream", slogx.StreamID(info.StreamID), slogx.TurnID(info.Meta.TurnID))
	if err := o.streams.Append(ctx, info.StreamID, chunk.New(info.Next, chunk.Finish{Reason: chunk.FinishStopped})); err != nil {
		return err
	}
	if err := o.streams.Seal(ctx, info.StreamID); err != nil {
		return err
	}
	return o.leases.Release(ctx, info.Meta.ChatID, info.Meta.TurnID)
}

// Shutdown stops every turn this instance runs and waits for their loops to
// return or ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	o.cancel()

	o.turns.ForEach(func(_ string, r *run) bool {
		r.stop(ctx)
		return true
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if rec := o.runs.WaitAndRecover(); rec != nil {
			slog.ErrorContext(ctx, "turn loop panicked", slog.String("panic", rec.String()))
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) reap(r *run) {
	time.AfterFunc(o.reapAfter, func() {
		o.turns.Del(r.turn.ID)
		o.byStream.Del(r.turn.StreamID)
		if rec := r.tasks.WaitAndRecover(); rec != nil {
			slog.Error("tool task panicked", slogx.TurnID(r.turn.ID), slog.String("panic", rec.String()))
		}
		o.engine.Forget(r.turn.ID)
	})
}
