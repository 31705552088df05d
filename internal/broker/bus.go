package broker

import (
	"context"
	"errors"
)

// TopicBus publishes and subscribes on a single topic of a broker. Handlers
// are plain funcs and subscriptions are ended by calling the returned func.
type TopicBus[T any] struct {
	topic Topic[T]
}

// Bus binds the topic named id of b.
func Bus[T any](ctx context.Context, b Broker[T], id string) (*TopicBus[T], error) {
	if b == nil {
		return nil, errors.New("broker is required")
	}
	return &TopicBus[T]{topic: b.Topic(ctx, id)}, nil
}

func (t *TopicBus[T]) Publish(ctx context.Context, msg T) error {
	return t.topic.Publish(ctx, msg)
}

func (t *TopicBus[T]) Subscribe(ctx context.Context, handler func(context.Context, T)) (func(), error) {
	sub, err := t.topic.Subscribe(ctx, handler)
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}
