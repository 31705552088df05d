package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/casualjim/parley/pkg/uuidx"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

// NATSBroker carries messages between processes over NATS subjects.
type NATSBroker[T any] struct {
	client *nats.Conn
	topics *haxmap.Map[string, *natsTopic[T]]
}

// NATS publishes JSON encoded messages on the subject named by the topic.
func NATS[T any](client *nats.Conn) *NATSBroker[T] {
	return &NATSBroker[T]{
		client: client,
		topics: haxmap.New[string, *natsTopic[T]](),
	}
}

func (b *NATSBroker[T]) Topic(ctx context.Context, id string) Topic[T] {
	top, _ := b.topics.GetOrCompute(id, func() *natsTopic[T] {
		return &natsTopic[T]{
			subject: id,
			client:  b.client,
		}
	})
	return top
}

type natsTopic[T any] struct {
	client  *nats.Conn
	subject string
}

func (t *natsTopic[T]) Publish(ctx context.Context, msg T) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.client.Publish(t.subject, b); err != nil {
		return err
	}
	return t.client.FlushWithContext(ctx)
}

func (t *natsTopic[T]) Subscribe(ctx context.Context, handler Handler[T]) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	ch := make(chan T, 50)
	nsub, err := t.client.Subscribe(t.subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			slog.Error("failed to unmarshal message", slogx.Error(err), slog.String("subject", msg.Subject))
			return
		}
		select {
		case ch <- v:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, err
	}
	if err := t.client.Flush(); err != nil {
		_ = nsub.Unsubscribe()
		return nil, err
	}

	sub := &natsSubscription{
		id:   uuidx.NewString(),
		sub:  nsub,
		done: make(chan struct{}),
	}
	go func() {
		for {
			select {
			case v := <-ch:
				handler(ctx, v)
			case <-ctx.Done():
				sub.Unsubscribe()
				return
			case <-sub.done:
				return
			}
		}
	}()
	return sub, nil
}

type natsSubscription struct {
	id   string
	sub  *nats.Subscription
	done chan struct{}
	once sync.Once
}

func (n *natsSubscription) ID() string {
	return n.id
}

func (n *natsSubscription) Unsubscribe() {
	n.once.Do(func() {
		close(n.done)
		if err := n.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subscription", n.id))
		}
	})
}
