package tracker

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// joinSource provides the snapshot a new observer starts from.
type joinSource interface {
	Revision() uint64
	SnapshotWithLastClear() ([]domain.Job, *domain.AuditEntry)
	holdClears(fn func()) string
}

// EventBus connects registry commits to observers.
type EventBus struct {
	subs   *SubscriptionManager
	source joinSource
	now    func() time.Time
}

// NewEventBus creates a bus that takes join snapshots from source.
func NewEventBus(source joinSource, subs *SubscriptionManager) *EventBus {
	return &EventBus{
		subs:   subs,
		source: source,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Publish fans ev out to every observer. It never blocks.
func (b *EventBus) Publish(ev domain.Event) {
	b.subs.Broadcast(ev)
}

// Subscribe registers t as an observer and returns it together with the snapshot
// it starts from. The observer is registered before the snapshot is taken, so a
// commit racing the join is either part of the snapshot or delivered afterwards;
// the per-job watermark seeded from the snapshot suppresses the overlap. The
// snapshot carries the most recent clear in its audit field. If that clear ran
// after the observer joined, its queued events are not delivered again.
//
// The observer is removed when ctx is done, when Unsubscribe is called, or when
// delivery to it fails.
func (b *EventBus) Subscribe(ctx context.Context, kind string, t Transport) (*Observer, []domain.Job, error) {
	var (
		o   *Observer
		err error
	)
	joinClear := b.source.holdClears(func() {
		o, err = b.subs.add(ctx, kind, t)
	})
	if err != nil {
		return nil, nil, err
	}

	rev := b.source.Revision()
	jobs, lastClear := b.source.SnapshotWithLastClear()
	summary := Aggregate(jobs)
	summary.Revision = rev

	snapshot := domain.Snapshot(jobs, &summary, b.now())
	snapshot.Audit = lastClear
	b.subs.start(o, snapshot, joinClear)

	logger.With(logger.Fields{logger.FieldCount: len(jobs)}).Info(
		logger.WithObserver(ctx, o.id, kind),
		"Observer subscribed")
	return o, jobs, nil
}

// Unsubscribe removes the observer with id. A second call for the same id returns
// false and has no effect.
func (b *EventBus) Unsubscribe(id string) bool {
	return b.subs.Remove(id, ReasonUnsubscribed)
}

// ObserverCount returns the number of live observers.
func (b *EventBus) ObserverCount() int {
	return b.subs.Count()
}

// Close removes every observer and waits for in-flight deliveries to stop.
func (b *EventBus) Close() {
	b.subs.Close()
}

// Follow keeps t subscribed until ctx is done. Whenever the observer is dropped
// (slow mailbox, failed delivery) it waits retryDelay and subscribes again. The
// fresh snapshot lists every live record and names the last clear, which is all
// t needs to drop what it kept from before that clear.
func (b *EventBus) Follow(ctx context.Context, kind string, t Transport, retryDelay time.Duration) error {
	ctx = logger.WithFields(ctx, logger.Fields{logger.FieldComponent: "follow", logger.FieldTransport: kind})
	for {
		o, _, err := b.Subscribe(ctx, kind, t)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			b.Unsubscribe(o.ID())
			return nil
		case <-o.Done():
		}

		reason := o.Reason()
		if reason == ReasonShutdown || reason == ReasonUnsubscribed || reason == ReasonDisconnected {
			return nil
		}
		logger.CtxWarn(ctx, "Observer dropped (%s), resubscribing in %s", reason, retryDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retryDelay):
		}
	}
}
