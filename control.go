package parley

import (
	"context"
	"log/slog"

	"github.com/casualjim/parley/pkg/slogx"
)

// ControlTopic is the broker topic every orchestrator listens on.
const ControlTopic = "parley.control"

// ControlBus delivers control messages to every orchestrator instance,
// including the sender. Subscribe returns a func that ends the subscription.
type ControlBus interface {
	Publish(ctx context.Context, msg Control) error
	Subscribe(ctx context.Context, handler func(context.Context, Control)) (func(), error)
}

const ControlStop = "stop"

// Control is a request addressed to whichever instance owns a stream.
type Control struct {
	Op       string `json:"op"`
	StreamID string `json:"stream_id"`
	Origin   string `json:"origin,omitempty"`
}

func (o *Orchestrator) listen(ctx context.Context) error {
	if o.bus == nil {
		return nil
	}
	unsubscribe, err := o.bus.Subscribe(ctx, o.onControl)
	if err != nil {
		return err
	}
	o.unsubscribe = unsubscribe
	return nil
}

func (o *Orchestrator) onControl(ctx context.Context, msg Control) {
	if msg.Op != ControlStop {
		slog.DebugContext(ctx, "ignoring control message", slog.String("op", msg.Op))
		return
	}
	r, ok := o.byStream.Get(msg.StreamID)
	if !ok {
		return
	}
	slog.InfoContext(ctx, "stopping turn on request", slogx.StreamID(msg.StreamID), slog.String("origin", msg.Origin))
	r.stop(ctx)
}
