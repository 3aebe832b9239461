package registry

import (
	"log/slog"

	"rangemaster/pkg/clock"
	"rangemaster/pkg/metrics"
)

type options struct {
	tp      clock.TimeProvider
	log     *slog.Logger
	metrics metrics.Collector
	// sinkRetries bounds redelivery attempts per sink and event.
	sinkRetries uint64
}

func defaultOptions() options {
	return options{
		tp:          clock.System(),
		log:         slog.Default(),
		metrics:     metrics.Nop{},
		sinkRetries: 5,
	}
}

// Option configures the registry components.
type Option func(*options)

func WithTimeProvider(tp clock.TimeProvider) Option {
	return func(o *options) {
		o.tp = tp
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithSinkRetries(n uint64) Option {
	return func(o *options) {
		o.sinkRetries = n
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
