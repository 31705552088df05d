package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/pkg/uuidx"
)

const defaultSlowSubscriberTimeout = 100 * time.Millisecond

// LocalBroker fans messages out to subscribers in the same process.
type LocalBroker[T any] struct {
	topics                *haxmap.Map[string, *topic[T]]
	slowSubscriberTimeout time.Duration
}

// Local returns an in-process broker. Subscribers that fall behind are dropped.
func Local[T any]() *LocalBroker[T] {
	return &LocalBroker[T]{
		topics:                haxmap.New[string, *topic[T]](),
		slowSubscriberTimeout: defaultSlowSubscriberTimeout,
	}
}

// WithSlowSubscriberTimeout configures the timeout for detecting slow subscribers
func (b *LocalBroker[T]) WithSlowSubscriberTimeout(timeout time.Duration) *LocalBroker[T] {
	b.slowSubscriberTimeout = timeout
	return b
}

func (b *LocalBroker[T]) Topic(ctx context.Context, id string) Topic[T] {
	topic, _ := b.topics.GetOrCompute(id, func() *topic[T] {
		return &topic[T]{
			ID:                    id,
			subscriptions:         haxmap.New[string, *subscription[T]](),
			slowSubscriberTimeout: b.slowSubscriberTimeout,
		}
	})
	return topic
}

type topic[T any] struct {
	ID                    string
	subscriptions         *haxmap.Map[string, *subscription[T]]
	slowSubscriberTimeout time.Duration
}

func (t *topic[T]) Publish(ctx context.Context, msg T) error {
	t.subscriptions.ForEach(func(id string, sub *subscription[T]) bool {
		if sub == nil {
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
			return true
		default:
		}

		timer := time.NewTimer(t.slowSubscriberTimeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false
		case <-sub.ctx.Done():
			sub.Unsubscribe()
		case sub.channel <- msg:
		case <-timer.C:
			// the subscriber fell behind, drop it
			sub.Unsubscribe()
		}
		return true
	})
	return ctx.Err()
}

func (t *topic[T]) Subscribe(ctx context.Context, handler Handler[T]) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	return t.newSubscription(ctx, handler), nil
}

func (t *topic[T]) newSubscription(ctx context.Context, handler Handler[T]) *subscription[T] {
	id := uuidx.NewString()
	sub := &subscription[T]{
		id:      id,
		ctx:     ctx,
		channel: make(chan T, 50),
		done:    make(chan struct{}),
		onClose: func() { t.subscriptions.Del(id) },
		handler: handler,
	}
	t.subscriptions.Set(id, sub)
	go sub.forward()
	return sub
}

type subscription[T any] struct {
	id        string
	ctx       context.Context
	channel   chan T
	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
	handler   Handler[T]
}

func (s *subscription[T]) ID() string {
	return s.id
}

func (s *subscription[T]) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)
	})
}

func (s *subscription[T]) forward() {
	for {
		select {
		case msg := <-s.channel:
			s.handler(s.ctx, msg)
		case <-s.done:
			return
		case <-s.ctx.Done():
			s.Unsubscribe()
			return
		}
	}
}
