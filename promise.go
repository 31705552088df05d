package parley

import (
	"context"
	"sync"
)

// Future is the eventual outcome of an asynchronous operation.
type Future[T any] interface {
	// Get blocks until the value is available.
	Get() (T, error)
	// Wait blocks until the value is available or ctx is done.
	Wait(ctx context.Context) (T, error)
	// Done is closed once the value is available.
	Done() <-chan struct{}
}

// Promise resolves a Future. Only the first call to Complete or Error takes
// effect.
type Promise[T any] interface {
	Complete(T)
	Error(error)
}

type CompletableFuture[T any] interface {
	Future[T]
	Promise[T]
}

type future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewFuture[T any]() CompletableFuture[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) Complete(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.done)
	})
}

func (f *future[T]) Error(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *future[T]) Done() <-chan struct{} { return f.done }

func (f *future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

func (f *future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
