package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// ErrClosed is returned when subscribing to a manager that has shut down.
var ErrClosed = errors.New("subscription manager closed")

// Transport delivers events to one observer over some push channel.
// Send must honour ctx cancellation and must not write once ctx is done; the ctx
// passed in is cancelled when the observer is removed.
type Transport interface {
	Send(ctx context.Context, ev domain.Event) error
	Close() error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, ev domain.Event) error

func (f TransportFunc) Send(ctx context.Context, ev domain.Event) error { return f(ctx, ev) }

func (f TransportFunc) Close() error { return nil }

// RemoveReason records why an observer left the subscription set.
type RemoveReason string

const (
	ReasonUnsubscribed RemoveReason = "unsubscribed"
	ReasonMailboxFull  RemoveReason = "mailbox_full"
	ReasonSendFailed   RemoveReason = "send_failed"
	ReasonDisconnected RemoveReason = "disconnected"
	ReasonShutdown     RemoveReason = "shutdown"
)

// DeliveryConfig bounds how much an observer may lag and how hard a send is retried.
type DeliveryConfig struct {
	MailboxSize          int
	SendTimeout          time.Duration
	MaxRetries           int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultDeliveryConfig returns the delivery settings used when none are configured.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MailboxSize:          256,
		SendTimeout:          5 * time.Second,
		MaxRetries:           3,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
	}
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	def := DefaultDeliveryConfig()
	if c.MailboxSize <= 0 {
		c.MailboxSize = def.MailboxSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = def.RetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = c.RetryInitialInterval
	}
	return c
}

// Observer is one subscriber of the job stream. Events reach it through a FIFO
// mailbox drained by a dedicated pump goroutine.
type Observer struct {
	id        string
	kind      string
	transport Transport
	mailbox   chan domain.Event

	ctx    context.Context
	cancel context.CancelFunc

	// stopWatch detaches the caller-context watcher installed at subscribe time.
	stopWatch func() bool

	reason atomic.Value // RemoveReason

	// watermark is the highest revision delivered per job. Owned by the pump.
	watermark map[string]uint64

	log *logger.Logger

	// skipUntil is the audit id of a clear the starting snapshot already reflects
	// while its jobs_cleared event is still queued. Everything queued up to and
	// including that event is stale. Owned by the pump.
	skipUntil string
}

// ID returns the observer id.
func (o *Observer) ID() string { return o.id }

// Kind returns the transport kind the observer was registered with.
func (o *Observer) Kind() string { return o.kind }

// Done is closed once the observer has been removed from the subscription set.
func (o *Observer) Done() <-chan struct{} { return o.ctx.Done() }

// Reason returns why the observer was removed, or "" while it is still subscribed.
func (o *Observer) Reason() RemoveReason {
	r, _ := o.reason.Load().(RemoveReason)
	return r
}

// admit filters a queued event against the watermark and advances it.
// job_update events at or below the delivered revision are dropped, and so is
// anything queued before a clear the starting snapshot already reflects.
func (o *Observer) admit(ev domain.Event) bool {
	if o.skipUntil != "" {
		if ev.Type == domain.EventJobsCleared && ev.Audit != nil && ev.Audit.ID == o.skipUntil {
			o.skipUntil = ""
		}
		return false
	}
	switch ev.Type {
	case domain.EventJobUpdate:
		if ev.Job == nil {
			return true
		}
		if ev.Job.Revision <= o.watermark[ev.Job.ID] {
			return false
		}
		o.watermark[ev.Job.ID] = ev.Job.Revision
	case domain.EventJobEvicted:
		if ev.Job != nil {
			delete(o.watermark, ev.Job.ID)
		}
	case domain.EventJobsCleared:
		o.watermark = make(map[string]uint64)
	}
	return true
}

type observerSet map[string]*Observer

// SubscriptionManager owns the set of observers. The set is copy-on-write: Broadcast
// reads it with a single atomic load while joins and leaves build a new map.
type SubscriptionManager struct {
	cfg     DeliveryConfig
	metrics *Metrics

	mu     sync.Mutex
	set    atomic.Pointer[observerSet]
	closed bool
	pumps  sync.WaitGroup
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager(cfg DeliveryConfig, metrics *Metrics) *SubscriptionManager {
	m := &SubscriptionManager{cfg: cfg.withDefaults(), metrics: metrics}
	empty := observerSet{}
	m.set.Store(&empty)
	return m
}

// add registers a new observer for t. Its pump is not running yet; queued events
// wait in the mailbox until start is called, which every successful add must be
// followed by.
func (m *SubscriptionManager) add(ctx context.Context, kind string, t Transport) (*Observer, error) {
	obsCtx, cancel := context.WithCancel(context.Background())
	o := &Observer{
		id:        uuid.NewString(),
		kind:      kind,
		transport: t,
		mailbox:   make(chan domain.Event, m.cfg.MailboxSize),
		ctx:       obsCtx,
		cancel:    cancel,
		watermark: make(map[string]uint64),
	}
	o.log = logger.FromContext(logger.WithObserver(ctx, o.id, kind))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	// Losing the caller's context counts as a disconnect. The callback blocks on
	// m.mu, so it cannot run before the observer is in the set.
	o.stopWatch = context.AfterFunc(ctx, func() {
		m.Remove(o.id, ReasonDisconnected)
	})
	current := *m.set.Load()
	next := make(observerSet, len(current)+1)
	for id, obs := range current {
		next[id] = obs
	}
	next[o.id] = o
	m.set.Store(&next)
	m.pumps.Add(1)
	m.mu.Unlock()

	m.metrics.observerJoined()
	o.log.Debug("Observer joined")
	return o, nil
}

// start seeds the watermark from the snapshot the observer was given and launches
// its pump. initial is delivered before anything queued in the mailbox. joinClear
// is the id of the last clear before the observer was added; when the snapshot
// names a later one, that clear's events are still queued.
func (m *SubscriptionManager) start(o *Observer, initial domain.Event, joinClear string) {
	for _, job := range initial.Jobs {
		o.watermark[job.ID] = job.Revision
	}
	if initial.Audit != nil && initial.Audit.ID != joinClear {
		o.skipUntil = initial.Audit.ID
	}
	go m.pump(o, initial)
}

func (m *SubscriptionManager) pump(o *Observer, initial domain.Event) {
	defer m.pumps.Done()
	defer func() {
		if err := o.transport.Close(); err != nil {
			o.log.WithError(err).Debug("Transport close failed")
		}
	}()

	if err := m.deliver(o, initial); err != nil {
		m.failed(o, err)
		return
	}

	for {
		// A removed observer must not get anything still queued, so the context
		// check wins over a ready mailbox.
		if o.ctx.Err() != nil {
			return
		}
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.mailbox:
			if o.ctx.Err() != nil {
				return
			}
			if !o.admit(ev) {
				m.metrics.deliverySkipped()
				continue
			}
			if err := m.deliver(o, ev); err != nil {
				m.failed(o, err)
				return
			}
		}
	}
}

func (m *SubscriptionManager) failed(o *Observer, err error) {
	if o.ctx.Err() != nil {
		return
	}
	o.log.WithError(err).Warn("Dropping observer after failed delivery")
	m.Remove(o.id, ReasonSendFailed)
}

// deliver sends ev with bounded exponential backoff. Each attempt gets its own
// send timeout derived from the observer context; removing the observer abandons
// the remaining attempts and no attempt starts after removal.
func (m *SubscriptionManager) deliver(o *Observer, ev domain.Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitialInterval
	b.MaxInterval = m.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	// WithMaxRetries treats 0 as unlimited.
	var bounded backoff.BackOff = &backoff.StopBackOff{}
	if m.cfg.MaxRetries > 0 {
		bounded = backoff.WithMaxRetries(b, uint64(m.cfg.MaxRetries))
	}
	policy := backoff.WithContext(bounded, o.ctx)

	op := func() error {
		// RetryNotify runs the first attempt before it looks at the context.
		if err := o.ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		ctx, cancel := context.WithTimeout(o.ctx, m.cfg.SendTimeout)
		defer cancel()
		return o.transport.Send(ctx, ev)
	}
	notify := func(err error, wait time.Duration) {
		m.metrics.deliveryRetried()
		o.log.WithField("retry_in", wait.String()).WithError(err).Debug("Retrying event delivery")
	}
	return backoff.RetryNotify(op, policy, notify)
}

// Broadcast enqueues ev for every observer without blocking. An observer whose
// mailbox is full is removed; it resynchronizes from a fresh snapshot on reconnect.
func (m *SubscriptionManager) Broadcast(ev domain.Event) {
	for _, o := range *m.set.Load() {
		select {
		case o.mailbox <- ev:
		default:
			o.log.Warn("Observer mailbox full, dropping observer")
			m.Remove(o.id, ReasonMailboxFull)
		}
	}
}

// Remove takes the observer out of the set and stops its pump. It reports whether
// the observer was present; removing twice is a no-op.
func (m *SubscriptionManager) Remove(id string, reason RemoveReason) bool {
	m.mu.Lock()
	current := *m.set.Load()
	o, ok := current[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	next := make(observerSet, len(current))
	for oid, obs := range current {
		if oid != id {
			next[oid] = obs
		}
	}
	m.set.Store(&next)
	m.mu.Unlock()

	o.reason.Store(reason)
	if o.stopWatch != nil {
		o.stopWatch()
	}
	o.cancel()
	m.metrics.observerRemoved(reason)
	return true
}

// Count returns the number of subscribed observers.
func (m *SubscriptionManager) Count() int {
	return len(*m.set.Load())
}

// Close removes every observer and waits for their pumps to exit.
func (m *SubscriptionManager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(*m.set.Load()))
	for id := range *m.set.Load() {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Remove(id, ReasonShutdown)
	}
	m.pumps.Wait()
}
