package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"rangemaster/pkg/listener"

	"github.com/cenkalti/backoff"
)

var ErrEventQueueFull = errors.New("registry: event queue full")

// Dispatcher turns committed transitions into events and delivers them to
// sinks from a single goroutine, which keeps per-location order.
type Dispatcher struct {
	opts  options
	queue chan Event
	job   *listener.Listener[Event]

	mu    sync.RWMutex
	sinks []Sink

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDispatcher(buffer int, opts ...Option) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		opts:  buildOptions(opts),
		queue: make(chan Event, buffer),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.job = listener.New("events", d.queue, d.deliver)
	d.job.OnError = func(ev Event, err error) {
		d.opts.metrics.IncCounter("rangemaster_events_failed_total", map[string]string{"kind": ev.Kind.String()}, 1)
		d.opts.log.Warn("event dropped after retries", "event_id", ev.ID, "key", ev.Key(), "error", err)
	}
	return d
}

func (d *Dispatcher) Subscribe(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Hook returns the commit hook that enqueues events. The send never blocks:
// a full queue rejects the transition instead of stalling the critical section.
func (d *Dispatcher) Hook() CommitHook {
	return func(t Transition) error {
		kind, ok := classify(t)
		if !ok {
			return nil
		}
		ev := eventFor(kind, t.Next, d.opts.tp.Now())
		select {
		case d.queue <- ev:
			return nil
		default:
			d.opts.metrics.IncCounter("rangemaster_events_rejected_total", map[string]string{"kind": kind.String()}, 1)
			return ErrEventQueueFull
		}
	}
}

// Pending is the number of queued, undelivered events.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.job.Start(ctx)
}

// Stop halts the worker and flushes whatever is still queued.
func (d *Dispatcher) Stop() {
	d.job.Stop()
	if n := d.job.Drain(); n > 0 {
		d.opts.log.Info("flushed pending events on shutdown", "count", n)
	}
	d.cancel()
}

func (d *Dispatcher) deliver(ev Event) error {
	d.mu.RLock()
	sinks := append([]Sink(nil), d.sinks...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxInterval = 2 * time.Second

		err := backoff.Retry(func() error {
			return s.HandleEvent(d.ctx, ev)
		}, backoff.WithContext(backoff.WithMaxRetries(b, d.opts.sinkRetries), d.ctx))
		if err != nil {
			d.opts.log.Error("event delivery failed",
				"event_id", ev.ID, "kind", ev.Kind, "location", ev.Location, "error", err)
			errs = append(errs, err)
		}
	}
	d.opts.metrics.IncCounter("rangemaster_events_total", map[string]string{"kind": ev.Kind.String()}, 1)
	return errors.Join(errs...)
}
