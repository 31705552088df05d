package broker

import (
	"context"
)

type Broker[T any] interface {
	Topic(context.Context, string) Topic[T]
}

type Topic[T any] interface {
	Publish(context.Context, T) error
	Subscribe(context.Context, Handler[T]) (Subscription, error)
}

// Handler receives every message published on a topic after the
// subscription was made.
type Handler[T any] func(context.Context, T)

type Subscription interface {
	ID() string
	Unsubscribe()
}
