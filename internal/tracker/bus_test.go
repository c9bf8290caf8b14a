package tracker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmy/chronos/internal/domain"
)

type recordingTransport struct {
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (t *recordingTransport) Send(_ context.Context, ev domain.Event) error {
	t.mu.Lock()
	t.events = append(t.events, ev)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Events() []domain.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Event(nil), t.events...)
}

func (t *recordingTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func fastDelivery() DeliveryConfig {
	return DeliveryConfig{
		MailboxSize:          1024,
		SendTimeout:          time.Second,
		MaxRetries:           2,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
}

func newTestTracker(t *testing.T, cfg DeliveryConfig) *Tracker {
	t.Helper()
	tr := New(Options{Delivery: cfg, Registry: []RegistryOption{WithIDGenerator(sequentialIDs())}})
	t.Cleanup(tr.Close)
	return tr
}

func TestBus_SnapshotThenUpdates(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	existing, err := tr.Registry.Create(ctx, "https://a.example", "")
	require.NoError(t, err)

	rec := &recordingTransport{}
	obs, jobs, err := tr.Bus.Subscribe(ctx, "test", rec)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, existing.ID, jobs[0].ID)

	_, err = tr.Registry.Apply(ctx, existing.ID, domain.Proposal{Status: domain.StatusDiscovered})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	events := rec.Events()
	assert.Equal(t, domain.EventSnapshot, events[0].Type)
	require.Len(t, events[0].Jobs, 1)
	require.NotNil(t, events[0].Summary)
	assert.Equal(t, 1, events[0].Summary.ForStage(domain.StageDiscovery).ActiveCount)
	assert.Equal(t, domain.EventJobUpdate, events[1].Type)
	assert.Equal(t, domain.StatusDiscovered, events[1].Job.Status)
	assert.Equal(t, 1, tr.Bus.ObserverCount())
	assert.NotEmpty(t, obs.ID())
}

func TestBus_UnsubscribeTwice(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	rec := &recordingTransport{}

	obs, _, err := tr.Bus.Subscribe(context.Background(), "test", rec)
	require.NoError(t, err)

	assert.True(t, tr.Bus.Unsubscribe(obs.ID()))
	assert.False(t, tr.Bus.Unsubscribe(obs.ID()))
	assert.Equal(t, 0, tr.Bus.ObserverCount())
	assert.Equal(t, ReasonUnsubscribed, obs.Reason())

	<-obs.Done()
	require.Eventually(t, rec.Closed, time.Second, 5*time.Millisecond)
}

// An observer joining while transitions are in flight must end up with every job's
// final record and see each job's revisions in increasing order.
func TestBus_ConcurrentSubscribeSeesFinalStates(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	const jobCount = 20
	jobs := make([]domain.Job, jobCount)
	for i := range jobs {
		job, err := tr.Registry.Create(ctx, "https://example.org", "")
		require.NoError(t, err)
		jobs[i] = job
	}

	path := []domain.Proposal{
		{Status: domain.StatusDiscovered},
		{Status: domain.StatusDownloading, Progress: domain.ProgressOf(10)},
		{Status: domain.StatusDownloading, Progress: domain.ProgressOf(60)},
		{Status: domain.StatusDownloaded, Progress: domain.ProgressOf(100)},
		{Status: domain.StatusTransforming},
		{Status: domain.StatusAnalyzed, Progress: domain.ProgressOf(100)},
		{Status: domain.StatusIndexing, Progress: domain.ProgressOf(50)},
		{Status: domain.StatusIndexed, Progress: domain.ProgressOf(100)},
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			for _, p := range path {
				_, err := tr.Registry.Apply(ctx, id, p)
				assert.NoError(t, err)
			}
		}(job.ID)
	}

	observers := make([]*recordingTransport, 5)
	var subs sync.WaitGroup
	for i := range observers {
		observers[i] = &recordingTransport{}
		subs.Add(1)
		go func(rec *recordingTransport) {
			defer subs.Done()
			<-start
			_, _, err := tr.Bus.Subscribe(ctx, "test", rec)
			assert.NoError(t, err)
		}(observers[i])
	}

	close(start)
	wg.Wait()
	subs.Wait()

	final := make(map[string]domain.Job, jobCount)
	for _, job := range tr.Registry.Snapshot() {
		final[job.ID] = job
	}

	for _, rec := range observers {
		require.Eventually(t, func() bool {
			seen := merge(t, rec.Events())
			for id, job := range final {
				if seen[id] != job.Revision {
					return false
				}
			}
			return true
		}, 2*time.Second, 10*time.Millisecond)
	}
}

// merge replays events the way a client would and fails on any per-job revision
// going backwards. It returns the latest revision held per job.
func merge(t *testing.T, events []domain.Event) map[string]uint64 {
	held := make(map[string]uint64)
	for _, ev := range events {
		switch ev.Type {
		case domain.EventSnapshot:
			for _, job := range ev.Jobs {
				held[job.ID] = job.Revision
			}
		case domain.EventJobUpdate:
			prev, ok := held[ev.Job.ID]
			if ok && ev.Job.Revision <= prev {
				assert.Failf(t, "out of order", "job %s: revision %d after %d", ev.Job.ID, ev.Job.Revision, prev)
			}
			held[ev.Job.ID] = ev.Job.Revision
		}
	}
	return held
}

func TestBus_JoinDoesNotRedeliverSnapshotContents(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	job, err := tr.Registry.Create(ctx, "https://example.org", "")
	require.NoError(t, err)

	// Queue an update for an observer that has not been started yet, then start it
	// from a snapshot that already contains that update.
	obs, err := tr.Bus.subs.add(ctx, "test", &recordingTransport{})
	require.NoError(t, err)
	rec := obs.transport.(*recordingTransport)

	next, err := tr.Registry.Apply(ctx, job.ID, domain.Proposal{Status: domain.StatusDiscovered})
	require.NoError(t, err)
	tr.Bus.subs.start(obs, domain.Snapshot([]domain.Job{next}, nil, time.Now()), "")

	_, err = tr.Registry.Apply(ctx, job.ID, domain.Proposal{Status: domain.StatusDownloading})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	events := rec.Events()
	assert.Equal(t, domain.EventSnapshot, events[0].Type)
	assert.Equal(t, domain.StatusDownloading, events[1].Job.Status)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, rec.Events(), 2)
}

type blockingTransport struct {
	release chan struct{}
}

func (b *blockingTransport) Send(ctx context.Context, _ domain.Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingTransport) Close() error { return nil }

func TestBus_SlowObserverIsDropped(t *testing.T) {
	cfg := fastDelivery()
	cfg.MailboxSize = 2
	cfg.SendTimeout = time.Minute
	tr := newTestTracker(t, cfg)
	ctx := context.Background()

	slow := &blockingTransport{release: make(chan struct{})}
	obs, _, err := tr.Bus.Subscribe(ctx, "slow", slow)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := tr.Registry.Create(ctx, "https://example.org", "")
		require.NoError(t, err)
	}

	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("slow observer was not dropped")
	}
	assert.Equal(t, ReasonMailboxFull, obs.Reason())
	assert.Equal(t, 0, tr.Bus.ObserverCount())
	assert.Equal(t, 5, tr.Registry.Len())
}

type flakyTransport struct {
	failures int32
	attempts atomic.Int32
	recordingTransport
}

func (f *flakyTransport) Send(ctx context.Context, ev domain.Event) error {
	if f.attempts.Add(1) <= f.failures {
		return errors.New("transient write error")
	}
	return f.recordingTransport.Send(ctx, ev)
}

func TestBus_DeliveryRetries(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())

	flaky := &flakyTransport{failures: 2}
	obs, _, err := tr.Bus.Subscribe(context.Background(), "flaky", flaky)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(flaky.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), flaky.attempts.Load())
	assert.Equal(t, 1, tr.Bus.ObserverCount())
	assert.Empty(t, obs.Reason())
}

func TestBus_ObserverDroppedWhenRetriesExhausted(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())

	broken := &flakyTransport{failures: 1000}
	obs, _, err := tr.Bus.Subscribe(context.Background(), "broken", broken)
	require.NoError(t, err)

	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("observer was not dropped")
	}
	assert.Equal(t, ReasonSendFailed, obs.Reason())
	// one attempt plus MaxRetries retries
	assert.Equal(t, int32(3), broken.attempts.Load())
	assert.Equal(t, 0, tr.Bus.ObserverCount())
}

func TestBus_CallerContextEndsSubscription(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx, cancel := context.WithCancel(context.Background())

	obs, _, err := tr.Bus.Subscribe(ctx, "test", &recordingTransport{})
	require.NoError(t, err)
	cancel()

	select {
	case <-obs.Done():
	case <-time.After(time.Second):
		t.Fatal("observer outlived its context")
	}
	assert.Equal(t, ReasonDisconnected, obs.Reason())
	require.Eventually(t, func() bool { return tr.Bus.ObserverCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBus_CloseRejectsNewSubscribers(t *testing.T) {
	tr := New(Options{Delivery: fastDelivery()})

	obs, _, err := tr.Bus.Subscribe(context.Background(), "test", &recordingTransport{})
	require.NoError(t, err)
	tr.Close()

	assert.Equal(t, ReasonShutdown, obs.Reason())
	_, _, err = tr.Bus.Subscribe(context.Background(), "test", &recordingTransport{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_ClearResetsWatermark(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	_, err := tr.Registry.Create(ctx, "https://example.org", "")
	require.NoError(t, err)

	rec := &recordingTransport{}
	_, _, err = tr.Bus.Subscribe(ctx, "test", rec)
	require.NoError(t, err)

	_, err = tr.Registry.Clear(ctx, "ops", "test")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Events()) == 3 }, time.Second, 5*time.Millisecond)
	events := rec.Events()
	assert.Equal(t, domain.StatusSkipped, events[1].Job.Status)
	assert.Equal(t, domain.EventJobsCleared, events[2].Type)
	assert.Equal(t, "ops", events[2].Audit.Actor)
}

func TestBus_FollowResubscribesAfterDrop(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := tr.Registry.Create(ctx, "https://example.org", "")
	require.NoError(t, err)

	// The first subscription burns through all its attempts, the second one succeeds.
	flaky := &flakyTransport{failures: 3}
	done := make(chan error, 1)
	go func() { done <- tr.Bus.Follow(ctx, "sink", flaky, time.Millisecond) }()

	require.Eventually(t, func() bool { return len(flaky.Events()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.EventSnapshot, flaky.Events()[0].Type)
	assert.Len(t, flaky.Events()[0].Jobs, 1)
	require.Eventually(t, func() bool { return tr.Bus.ObserverCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}

// gatedTransport holds the first send until release is closed and counts the
// job updates it is asked to send afterwards.
type gatedTransport struct {
	release chan struct{}
	first   atomic.Bool
	updates atomic.Int32
	closed  atomic.Bool
}

func (g *gatedTransport) Send(ctx context.Context, ev domain.Event) error {
	if g.first.CompareAndSwap(false, true) {
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ev.Type == domain.EventJobUpdate {
		g.updates.Add(1)
	}
	return nil
}

func (g *gatedTransport) Close() error {
	g.closed.Store(true)
	return nil
}

func TestBus_NoDeliveryAfterUnsubscribe(t *testing.T) {
	for run := 0; run < 20; run++ {
		tr := newTestTracker(t, fastDelivery())
		ctx := context.Background()

		job, err := tr.Registry.Create(ctx, "https://example.org", "")
		require.NoError(t, err)

		gate := &gatedTransport{release: make(chan struct{})}
		obs, _, err := tr.Bus.Subscribe(ctx, "gated", gate)
		require.NoError(t, err)

		for progress := 0; progress <= 20; progress++ {
			_, err := tr.Registry.Apply(ctx, job.ID, domain.Proposal{
				Status:   domain.StatusDownloading,
				Progress: domain.ProgressOf(progress),
			})
			require.NoError(t, err)
		}

		require.True(t, tr.Bus.Unsubscribe(obs.ID()))
		close(gate.release)

		require.Eventually(t, gate.closed.Load, time.Second, time.Millisecond)
		assert.Zero(t, gate.updates.Load(), "run %d", run)
	}
}

func TestBus_SnapshotNamesLastClear(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	_, err := tr.Registry.Create(ctx, "https://old.example", "")
	require.NoError(t, err)
	audit, err := tr.Registry.Clear(ctx, "ops", "reset")
	require.NoError(t, err)
	fresh, err := tr.Registry.Create(ctx, "https://new.example", "")
	require.NoError(t, err)

	rec := &recordingTransport{}
	_, jobs, err := tr.Bus.Subscribe(ctx, "test", rec)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, fresh.ID, jobs[0].ID)

	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	snapshot := rec.Events()[0]
	require.NotNil(t, snapshot.Audit)
	assert.Equal(t, audit.ID, snapshot.Audit.ID)
	assert.Equal(t, audit.CreatedAt, snapshot.Audit.CreatedAt)
}

// A clear that lands between joining and taking the snapshot is already reflected
// in the snapshot, so nothing queued up to its jobs_cleared event is delivered.
func TestBus_ClearBeforeSnapshotIsNotReplayed(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	old, err := tr.Registry.Create(ctx, "https://old.example", "")
	require.NoError(t, err)

	obs, err := tr.Bus.subs.add(ctx, "test", &recordingTransport{})
	require.NoError(t, err)
	rec := obs.transport.(*recordingTransport)

	_, err = tr.Registry.Clear(ctx, "ops", "reset")
	require.NoError(t, err)
	fresh, err := tr.Registry.Create(ctx, "https://new.example", "")
	require.NoError(t, err)

	jobs, last := tr.Registry.SnapshotWithLastClear()
	snapshot := domain.Snapshot(jobs, nil, time.Now())
	snapshot.Audit = last
	tr.Bus.subs.start(obs, snapshot, "")

	_, err = tr.Registry.Apply(ctx, fresh.ID, domain.Proposal{Status: domain.StatusDiscovered})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSnapshot, events[0].Type)
	assert.Equal(t, domain.EventJobUpdate, events[1].Type)
	assert.Equal(t, fresh.ID, events[1].Job.ID)
	assert.Equal(t, domain.StatusDiscovered, events[1].Job.Status)
	for _, ev := range events {
		if ev.Job != nil {
			assert.NotEqual(t, old.ID, ev.Job.ID)
		}
	}
}

// A clear that runs after the snapshot is delivered as usual.
func TestBus_ClearAfterJoinIsDelivered(t *testing.T) {
	tr := newTestTracker(t, fastDelivery())
	ctx := context.Background()

	_, err := tr.Registry.Clear(ctx, "ops", "first")
	require.NoError(t, err)

	rec := &recordingTransport{}
	_, _, err = tr.Bus.Subscribe(ctx, "test", rec)
	require.NoError(t, err)

	second, err := tr.Registry.Clear(ctx, "ops", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Events()) == 2 }, time.Second, 5*time.Millisecond)
	cleared := rec.Events()[1]
	assert.Equal(t, domain.EventJobsCleared, cleared.Type)
	assert.Equal(t, second.ID, cleared.Audit.ID)
}
