// Package tracker implements the job pipeline tracker: the transition rules, the
// registry that owns job records, the stage aggregator and the event stream that
// keeps observers synchronized with every accepted change.
package tracker

// Options configures New.
type Options struct {
	Delivery DeliveryConfig
	Metrics  *Metrics
	Registry []RegistryOption
}

// Tracker wires the registry, the aggregator and the event bus together.
type Tracker struct {
	Registry   *Registry
	Aggregator *Aggregator
	Bus        *EventBus
}

// New builds a tracker. The registry publishes into the bus and the bus takes its
// join snapshots from the registry.
func New(opts Options) *Tracker {
	regOpts := append([]RegistryOption{WithMetrics(opts.Metrics)}, opts.Registry...)
	registry := NewRegistry(regOpts...)
	bus := NewEventBus(registry, NewSubscriptionManager(opts.Delivery, opts.Metrics))
	registry.SetPublisher(bus)

	return &Tracker{
		Registry:   registry,
		Aggregator: NewAggregator(registry),
		Bus:        bus,
	}
}

// Close disconnects every observer.
func (t *Tracker) Close() {
	t.Bus.Close()
}
