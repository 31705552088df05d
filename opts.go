package parley

import (
	"time"

	"github.com/casualjim/parley/tool"
	"github.com/fogfish/opts"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultLeaseTTL     = 2 * time.Minute
	DefaultMaxSteps     = 5
	DefaultHistoryLimit = 50
	DefaultReapAfter    = 10 * time.Minute
)

type Option = opts.Option[Orchestrator]

var (
	// WithLeaseTTL sets how long a chat lease lives without renewal. Running
	// turns renew it every third of the ttl.
	WithLeaseTTL = opts.ForName[Orchestrator, time.Duration]("leaseTTL")

	// WithMaxSteps bounds how often a turn re-prompts the model after tool
	// calls.
	WithMaxSteps = opts.ForName[Orchestrator, int]("maxSteps")

	// WithHistoryLimit sets how many stored messages of the chat precede the
	// user message in the prompt.
	WithHistoryLimit = opts.ForName[Orchestrator, int]("historyLimit")

	// WithFlushEvery is passed to the assembler of every turn.
	WithFlushEvery = opts.ForName[Orchestrator, int]("flushEvery")

	WithInstructions = opts.ForName[Orchestrator, string]("instructions")

	// WithReapAfter sets how long ended turns stay queryable through Turn and
	// Wait. Use the stream retention so both expire together.
	WithReapAfter = opts.ForName[Orchestrator, time.Duration]("reapAfter")

	WithNodeID = opts.ForName[Orchestrator, string]("nodeID")

	WithTracer = opts.ForName[Orchestrator, trace.Tracer]("tracer")
)

// WithHooks adds hooks that observe every turn.
func WithHooks(hooks ...Hook) Option {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.hooks = append(o.hooks, hooks...)
		return nil
	})
}

// WithTools sets the registry turns select their tools from.
func WithTools(reg *tool.Registry) Option {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.tools = reg
		return nil
	})
}

// WithEngine replaces the tool engine built from the registry.
func WithEngine(e *tool.Engine) Option {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.engine = e
		return nil
	})
}

// WithControlBus routes stop requests for turns owned by other instances over
// bus.
func WithControlBus(bus ControlBus) Option {
	return opts.Type[Orchestrator](func(o *Orchestrator) error {
		o.bus = bus
		return nil
	})
}
