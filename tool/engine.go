package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/casualjim/parley/pkg/jsonx"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/fogfish/opts"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds tool execution when neither the engine nor the tool
// configures a timeout.
const DefaultTimeout = 30 * time.Second

// Engine validates and runs tool calls. Invocations are keyed by turn and
// call id: a call id executes at most once at a time and a completed call
// returns its recorded outcome instead of running again.
type Engine struct {
	catalog     Catalog
	timeout     time.Duration
	invocations *haxmap.Map[string, *invocation]
	inflight    *singleflight.Group
	tracer      trace.Tracer
}

type EngineOption = opts.Option[Engine]

// WithTimeout sets the default execution timeout.
func WithTimeout(d time.Duration) EngineOption {
	return opts.Type[Engine](func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("tool timeout must be positive, got %s", d)
		}
		e.timeout = d
		return nil
	})
}

// WithTracer replaces the tracer used for tool spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return opts.Type[Engine](func(e *Engine) error {
		e.tracer = tracer
		return nil
	})
}

func NewEngine(catalog Catalog, options ...EngineOption) (*Engine, error) {
	e := Engine{
		catalog:     catalog,
		timeout:     DefaultTimeout,
		invocations: haxmap.New[string, *invocation](),
		inflight:    &singleflight.Group{},
		tracer:      otel.Tracer("github.com/casualjim/parley/tool"),
	}
	if err := opts.Apply(&e, options); err != nil {
		return nil, err
	}
	if e.catalog == nil {
		return nil, errors.New("tool catalog is required")
	}
	return &e, nil
}

// Scoped returns an engine that resolves tools from catalog while sharing the
// invocation table of e.
func (e *Engine) Scoped(catalog Catalog) *Engine {
	scoped := *e
	scoped.catalog = catalog
	return &scoped
}

// Track records that the model started a call. Invoke tracks implicitly.
func (e *Engine) Track(turnID, callID, name string) {
	e.track(turnID, callID, name)
}

func (e *Engine) track(turnID, callID, name string) *invocation {
	inv, _ := e.invocations.GetOrCompute(key(turnID, callID), func() *invocation {
		return newInvocation(turnID, callID, name)
	})
	return inv
}

// Invocation returns the current view of a call.
func (e *Engine) Invocation(turnID, callID string) (Invocation, bool) {
	inv, ok := e.invocations.Get(key(turnID, callID))
	if !ok {
		return Invocation{}, false
	}
	return inv.snapshot(), true
}

// Forget drops every recorded invocation of a turn.
func (e *Engine) Forget(turnID string) {
	prefix := turnID + "/"
	var keys []string
	e.invocations.ForEach(func(k string, _ *invocation) bool {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
		return true
	})
	if len(keys) > 0 {
		e.invocations.Del(keys...)
	}
}

// Invoke runs call. Failures are returned as *errorx.Error values carrying
// UnknownTool, InvalidArguments, ToolTimeout or ToolExecutionFailed, or the
// classified error returned by the tool itself.
func (e *Engine) Invoke(ctx context.Context, call Call) (Result, error) {
	if call.CallID == "" {
		return Result{}, errorx.InvalidArguments("call_id", "a call id is required")
	}
	inv := e.track(call.TurnID, call.CallID, call.Name)
	if snap := inv.snapshot(); snap.State.Terminal() {
		return snap.Result, snap.Err
	}

	v, err, _ := e.inflight.Do(call.Key(), func() (any, error) {
		if snap := inv.snapshot(); snap.State.Terminal() {
			return snap.Result, snap.Err
		}
		return e.execute(ctx, inv, call)
	})
	res, _ := v.(Result)
	return res, err
}

func (e *Engine) execute(ctx context.Context, inv *invocation, call Call) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.CallID),
		attribute.String("turn.id", call.TurnID),
	))
	defer span.End()

	res, err := e.run(ctx, inv, call)
	if err != nil {
		inv.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorx.CodeOf(err)))
		slog.WarnContext(ctx, "tool invocation failed", slogx.Tool(call.Name), slogx.CallID(call.CallID), slogx.Error(err))
		return Result{}, err
	}
	inv.succeed(res)
	return res, nil
}

func (e *Engine) run(ctx context.Context, inv *invocation, call Call) (Result, error) {
	def, ok := e.catalog.Lookup(call.Name)
	if !ok {
		return Result{}, errorx.UnknownTool(call.Name)
	}
	if err := inv.transition(StateArgsComplete); err != nil {
		return Result{}, err
	}
	if err := def.Validate(call.Args); err != nil {
		return Result{}, err
	}
	if err := inv.transition(StateExecuting); err != nil {
		return Result{}, err
	}

	timeout := e.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	out, err := execWithTimeout(ctx, def, call, timeout)
	if err != nil {
		return Result{}, err
	}

	res := Result{CallID: call.CallID, Name: call.Name}
	if att, ok := out.(Attachment); ok {
		res.File = att.Attachment()
	}
	res.Output, err = jsonx.Raw(out)
	if err != nil {
		return Result{}, errorx.ToolExecutionFailed(call.Name, fmt.Errorf("encode output: %w", err))
	}
	return res, nil
}

type outcome struct {
	value any
	err   error
}

func execWithTimeout(ctx context.Context, def Definition, call Call, timeout time.Duration) (any, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		var pc panics.Catcher
		pc.Try(func() { o.value, o.err = def.Execute(tctx, call) })
		if r := pc.Recovered(); r != nil {
			o = outcome{err: r.AsError()}
		}
		done <- o
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.value, nil
		}
		if errors.Is(o.err, context.DeadlineExceeded) && tctx.Err() != nil && ctx.Err() == nil {
			return nil, errorx.ToolTimeout(def.Name, timeout)
		}
		if errorx.CodeOf(o.err) != "" {
			return nil, o.err
		}
		return nil, errorx.ToolExecutionFailed(def.Name, o.err)
	case <-tctx.Done():
		if ctx.Err() == nil {
			return nil, errorx.ToolTimeout(def.Name, timeout)
		}
		return nil, errorx.ToolExecutionFailed(def.Name, ctx.Err())
	}
}

func key(turnID, callID string) string {
	return turnID + "/" + callID
}
