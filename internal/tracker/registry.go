package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// Publisher receives every event the registry commits. Publish is called while the
// committing job's lock is held, so it must not block and must not call back into
// the registry.
type Publisher interface {
	Publish(ev domain.Event)
}

// SnapshotExporter stores a copy of the registry contents before a clear and returns
// the key it was stored under.
type SnapshotExporter interface {
	ExportSnapshot(ctx context.Context, at time.Time, jobs []domain.Job) (string, error)
}

type entry struct {
	mu      sync.Mutex
	seq     uint64
	removed bool
	job     atomic.Pointer[domain.Job]
}

func (e *entry) load() domain.Job {
	return *e.job.Load()
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithIDGenerator overrides how job and audit ids are generated.
func WithIDGenerator(newID func() string) RegistryOption {
	return func(r *Registry) { r.newID = newID }
}

// WithMetrics attaches prometheus instruments.
func WithMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithSnapshotExporter enables the pre-clear snapshot export.
func WithSnapshotExporter(exp SnapshotExporter) RegistryOption {
	return func(r *Registry) { r.exporter = exp }
}

// WithAuditCapacity bounds the in-memory audit log.
func WithAuditCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.auditCap = n
		}
	}
}

// Registry is the single authority over job records. Every mutation of a job goes
// through Apply, which serializes on that job's lock and publishes the committed
// record before releasing it.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	seq      uint64
	revision atomic.Uint64

	publisher Publisher

	auditMu  sync.Mutex
	audit    []domain.AuditEntry
	auditCap int

	// lastClear is the most recent clear, guarded by mu.
	lastClear *domain.AuditEntry

	now      func() time.Time
	newID    func() string
	metrics  *Metrics
	exporter SnapshotExporter
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		auditCap: 100,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetPublisher attaches the event sink. It must be called before the registry is
// shared between goroutines.
func (r *Registry) SetPublisher(p Publisher) {
	r.publisher = p
}

func (r *Registry) publish(ev domain.Event) {
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
}

// commit stores next as the live record of e and publishes it. Caller holds e.mu.
func (r *Registry) commit(e *entry, next domain.Job) {
	e.job.Store(&next)
	r.revision.Add(1)
	r.publish(domain.JobUpdated(next))
}

// Revision returns the number of changes committed to the registry so far.
func (r *Registry) Revision() uint64 {
	return r.revision.Load()
}

// Create registers a new pending job for url.
func (r *Registry) Create(ctx context.Context, url string, priority domain.Priority) (domain.Job, error) {
	jobs, err := r.CreateBatch(ctx, []string{url}, priority)
	if err != nil {
		return domain.Job{}, err
	}
	return jobs[0], nil
}

// CreateBatch registers one pending job per url. Every url is validated before any
// job is created, so a bad entry leaves the registry unchanged.
func (r *Registry) CreateBatch(ctx context.Context, urls []string, priority domain.Priority) ([]domain.Job, error) {
	if len(urls) == 0 {
		return nil, domain.Reject("", domain.ErrInvalidSubmission, "no urls given")
	}

	now := r.now()
	jobs := make([]domain.Job, 0, len(urls))
	for i, url := range urls {
		job, err := NewJob(r.newID(), url, priority, now)
		if err != nil {
			return nil, domain.Reject("", domain.ErrInvalidSubmission, "urls[%d] is empty", i)
		}
		jobs = append(jobs, job)
	}

	// New entries are locked before they become visible so their creation event
	// is published ahead of any transition applied to them.
	created := make([]*entry, len(jobs))
	r.mu.Lock()
	for i := range jobs {
		if _, exists := r.entries[jobs[i].ID]; exists {
			r.mu.Unlock()
			for _, e := range created[:i] {
				e.mu.Unlock()
			}
			return nil, fmt.Errorf("duplicate job id %s", jobs[i].ID)
		}
		r.seq++
		e := &entry{seq: r.seq}
		e.job.Store(&jobs[i])
		e.mu.Lock()
		created[i] = e
	}
	for i, e := range created {
		r.entries[jobs[i].ID] = e
	}
	r.mu.Unlock()

	for i, e := range created {
		r.revision.Add(1)
		r.publish(domain.JobUpdated(jobs[i]))
		e.mu.Unlock()
		r.metrics.jobCreated()
	}

	logger.With(logger.Fields{logger.FieldCount: len(jobs)}).
		Info(logger.SetComponent(ctx, "registry"), "Created %d archive jobs", len(jobs))
	return jobs, nil
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

// Get returns a copy of the job with id.
func (r *Registry) Get(id string) (domain.Job, error) {
	e := r.lookup(id)
	if e == nil {
		return domain.Job{}, domain.Reject(id, domain.ErrNotFound, "")
	}
	return e.load(), nil
}

// Apply validates p against the current record of id and commits the result.
// A rejection leaves the record unchanged.
func (r *Registry) Apply(ctx context.Context, id string, p domain.Proposal) (domain.Job, error) {
	e := r.lookup(id)
	if e == nil {
		r.metrics.transitionRejected(domain.ErrNotFound)
		return domain.Job{}, domain.Reject(id, domain.ErrNotFound, "")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Evicted while we waited for the lock.
	if e.removed {
		r.metrics.transitionRejected(domain.ErrNotFound)
		return domain.Job{}, domain.Reject(id, domain.ErrNotFound, "")
	}

	current := e.load()
	next, err := Validate(current, p, r.now())
	if err != nil {
		r.metrics.transitionRejected(err)
		logger.FromContext(logger.SetJobID(ctx, id)).
			WithField(logger.FieldCode, domain.ReasonCode(err)).
			Debugf("Rejected transition to %s: %v", p.Status, err)
		return current, err
	}

	r.commit(e, next)
	r.metrics.transitionAccepted(next.Status)
	return next, nil
}

// Submit is the producer entry point: it parses the wire status name and applies
// the resulting proposal.
func (r *Registry) Submit(ctx context.Context, id, status string, progress *int, errMsg string) (domain.Job, error) {
	parsed, err := domain.ParseStatus(status)
	if err != nil {
		r.metrics.transitionRejected(err)
		return domain.Job{}, domain.Reject(id, domain.ErrUnknownStatus, "%q", status)
	}
	return r.Apply(ctx, id, domain.Proposal{Status: parsed, Progress: progress, Error: errMsg})
}

type snapshotItem struct {
	seq uint64
	job domain.Job
}

// Snapshot returns every record, newest first.
func (r *Registry) Snapshot() []domain.Job {
	jobs, _ := r.SnapshotWithLastClear()
	return jobs
}

// SnapshotWithLastClear returns every record, newest first, together with the
// most recent clear. Both are read atomically with respect to Clear, so the
// records are exactly the ones that survived or followed that clear. The audit
// entry is nil when the registry was never cleared.
func (r *Registry) SnapshotWithLastClear() ([]domain.Job, *domain.AuditEntry) {
	r.mu.RLock()
	items := make([]snapshotItem, 0, len(r.entries))
	for _, e := range r.entries {
		items = append(items, snapshotItem{seq: e.seq, job: e.load()})
	}
	var last *domain.AuditEntry
	if r.lastClear != nil {
		a := *r.lastClear
		last = &a
	}
	r.mu.RUnlock()
	return newestFirst(items), last
}

// holdClears runs fn while no clear can start and returns the id of the last
// clear before it, or "" if there was none.
func (r *Registry) holdClears(fn func()) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
	if r.lastClear == nil {
		return ""
	}
	return r.lastClear.ID
}

func newestFirst(items []snapshotItem) []domain.Job {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.After(b.job.CreatedAt)
		}
		return a.seq > b.seq
	})

	jobs := make([]domain.Job, len(items))
	for i := range items {
		jobs[i] = items[i].job
	}
	return jobs
}

// List returns the records matching f, newest first. A non-positive limit means
// no limit.
func (r *Registry) List(f domain.ListFilter) []domain.Job {
	all := r.Snapshot()
	out := make([]domain.Job, 0, len(all))
	for _, job := range all {
		if !f.Match(job) {
			continue
		}
		out = append(out, job)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Len returns the number of records held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore seeds the registry with previously persisted records. Records whose id is
// already present are ignored. No events are published.
func (r *Registry) Restore(jobs []domain.Job) int {
	ordered := make([]domain.Job, len(jobs))
	copy(ordered, jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for i := range ordered {
		job := ordered[i]
		if job.ID == "" || !job.Status.Valid() {
			continue
		}
		if _, exists := r.entries[job.ID]; exists {
			continue
		}
		r.seq++
		e := &entry{seq: r.seq}
		e.job.Store(&job)
		r.entries[job.ID] = e
		restored++
	}
	if restored > 0 {
		r.revision.Add(1)
	}
	return restored
}

// EvictRetired removes terminal records last updated before now-retention and, when
// maxRetained is positive, the oldest terminal records beyond that count. Active jobs
// are never evicted. It returns the evicted records.
func (r *Registry) EvictRetired(ctx context.Context, retention time.Duration, maxRetained int) []domain.Job {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	type retired struct {
		id string
		e  *entry
		at time.Time
	}
	var candidates []retired
	for id, e := range r.entries {
		job := e.load()
		if job.Terminal() {
			candidates = append(candidates, retired{id: id, e: e, at: job.UpdatedAt})
		}
	}
	// Newest first, so everything past maxRetained is the oldest tail.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].at.Equal(candidates[j].at) {
			return candidates[i].at.After(candidates[j].at)
		}
		return candidates[i].e.seq > candidates[j].e.seq
	})

	var evicted []domain.Job
	for i, c := range candidates {
		expired := retention > 0 && now.Sub(c.at) > retention
		overflow := maxRetained > 0 && i >= maxRetained
		if !expired && !overflow {
			continue
		}

		c.e.mu.Lock()
		c.e.removed = true
		job := c.e.load()
		delete(r.entries, c.id)
		r.revision.Add(1)
		r.publish(domain.JobEvicted(job, now))
		c.e.mu.Unlock()

		r.metrics.jobEvicted()
		evicted = append(evicted, job)
	}

	if len(evicted) > 0 {
		logger.With(logger.Fields{logger.FieldCount: len(evicted)}).
			Info(logger.SetComponent(ctx, "registry"), "Evicted %d retired jobs", len(evicted))
	}
	return evicted
}

// Clear is the audited administrative reset. Every active job is moved to skipped
// through the regular transition path, then all records are removed and a
// jobs_cleared event carrying the audit entry is published. With an exporter
// configured, the records are exported first and a failed export aborts the clear.
//
// Creates and transitions wait while a clear runs, so the exported snapshot holds
// exactly the records that are cleared.
func (r *Registry) Clear(ctx context.Context, actor, reason string) (domain.AuditEntry, error) {
	ctx = logger.SetComponent(ctx, "registry")

	r.mu.Lock()
	defer r.mu.Unlock()

	ordered := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		ordered = append(ordered, e)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })
	for _, e := range ordered {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range ordered {
			e.mu.Unlock()
		}
	}()

	var snapshotKey string
	if r.exporter != nil {
		items := make([]snapshotItem, len(ordered))
		for i, e := range ordered {
			items[i] = snapshotItem{seq: e.seq, job: e.load()}
		}
		key, err := r.exporter.ExportSnapshot(ctx, r.now(), newestFirst(items))
		if err != nil {
			return domain.AuditEntry{}, fmt.Errorf("failed to export pre-clear snapshot: %w", err)
		}
		snapshotKey = key
	}

	skipped := 0
	for _, e := range ordered {
		current := e.load()
		if !current.Terminal() {
			next, err := Validate(current, domain.Proposal{Status: domain.StatusSkipped}, r.now())
			if err == nil {
				r.commit(e, next)
				r.metrics.transitionAccepted(next.Status)
				skipped++
			}
		}
		e.removed = true
	}

	evicted := len(r.entries)
	r.entries = make(map[string]*entry)
	r.revision.Add(1)

	audit := domain.AuditEntry{
		ID:          r.newID(),
		Action:      domain.AuditActionClear,
		Actor:       actor,
		Reason:      reason,
		SkippedJobs: skipped,
		EvictedJobs: evicted,
		SnapshotKey: snapshotKey,
		CreatedAt:   r.now(),
	}
	r.appendAudit(audit)
	last := audit
	r.lastClear = &last
	r.publish(domain.Event{Type: domain.EventJobsCleared, Audit: &audit, At: audit.CreatedAt})

	logger.FromContext(ctx).WithFields(logger.Fields{
		"actor":   actor,
		"skipped": skipped,
		"evicted": evicted,
	}).Warnf("Cleared job registry: %s", reason)
	return audit, nil
}

func (r *Registry) appendAudit(a domain.AuditEntry) {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()
	r.audit = append(r.audit, a)
	if over := len(r.audit) - r.auditCap; over > 0 {
		r.audit = append([]domain.AuditEntry(nil), r.audit[over:]...)
	}
}

// AuditLog returns up to limit audit entries, newest first.
func (r *Registry) AuditLog(limit int) []domain.AuditEntry {
	r.auditMu.Lock()
	defer r.auditMu.Unlock()

	n := len(r.audit)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.AuditEntry, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.audit[i])
	}
	return out
}
