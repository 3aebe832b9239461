package listener

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener drains a channel on a single goroutine, so inputs are handled in
// the order they were sent. A failed or panicking input is reported to
// OnError and dropped; the loop keeps serving.
type Listener[T any] struct {
	name        string
	handler     func(input T) error
	stopHandler func()

	// OnError defaults to logging. Set it before Start.
	OnError func(input T, err error)

	in      <-chan T
	wg      sync.WaitGroup
	cancel  func()
	handled atomic.Uint64
	failed  atomic.Uint64
}

func New[T any](
	name string,
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	l := &Listener[T]{
		name:        name,
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
	log := slog.Default().With("listener", name)
	l.OnError = func(_ T, err error) {
		log.Error("listener handler failed", "error", err)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			select {
			case inp, ok := <-l.in:
				if !ok {
					return
				}
				l.handle(inp)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener[T]) handle(inp T) {
	err := l.safeHandle(inp)
	l.handled.Add(1)
	if err != nil {
		l.failed.Add(1)
		l.OnError(inp, err)
	}
}

func (l *Listener[T]) safeHandle(inp T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: handler panicked: %v", l.name, r)
		}
	}()
	if err := l.handler(inp); err != nil {
		return fmt.Errorf("%s: failed to handle input: %w", l.name, err)
	}
	return nil
}

// Stats returns how many inputs were handled and how many of those failed.
func (l *Listener[T]) Stats() (handled, failed uint64) {
	return l.handled.Load(), l.failed.Load()
}

// Drain handles whatever is already buffered in the input channel without
// blocking. Call it only after Stop.
func (l *Listener[T]) Drain() int {
	n := 0
	for {
		select {
		case inp, ok := <-l.in:
			if !ok {
				return n
			}
			l.handle(inp)
			n++
		default:
			return n
		}
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}
