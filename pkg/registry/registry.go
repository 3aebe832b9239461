// Package registry is the membership authority of the master: which range
// servers exist, where they are, and whether their lease is still valid.
//
// A Registry starts with an empty table and whatever id allocator it is given
// (usually restored from the metadata store). All access goes through its
// Coordinator, Monitor and Store; there is no package-level state.
package registry

import (
	"context"

	"rangemaster/pkg/config"
)

type Registry struct {
	Store       *Store
	Coordinator *Coordinator
	Monitor     *Monitor
	Events      *Dispatcher
}

func New(cfg config.RegistryConfig, ids IDAllocator, opts ...Option) *Registry {
	store := NewStore()
	events := NewDispatcher(cfg.EventBuffer, opts...)
	store.SetPublishHook(events.Hook())

	return &Registry{
		Store:       store,
		Coordinator: NewCoordinator(store, ids, cfg.LeaseDuration, opts...),
		Monitor:     NewMonitor(store, cfg.SweepInterval, opts...),
		Events:      events,
	}
}

// Subscribe attaches a sink; call before Start.
func (r *Registry) Subscribe(s Sink) {
	r.Events.Subscribe(s)
}

func (r *Registry) Start(ctx context.Context) {
	r.Events.Start(ctx)
	r.Monitor.Start(ctx)
}

// Stop halts the monitor first so no transition is produced after events
// have been flushed.
func (r *Registry) Stop() {
	r.Monitor.Stop()
	r.Events.Stop()
}
