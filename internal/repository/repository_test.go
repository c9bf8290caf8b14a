package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/timmy/chronos/internal/config"
	"github.com/timmy/chronos/internal/domain"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "chronos.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleJob(id string, offset time.Duration) domain.Job {
	return domain.Job{
		ID:        id,
		URL:       "https://" + id + ".example",
		Status:    domain.StatusPending,
		Stage:     domain.StageDiscovery,
		Priority:  domain.PriorityNormal,
		Revision:  1,
		CreatedAt: base.Add(offset),
		UpdatedAt: base.Add(offset),
	}
}

func TestJobRepository_UpsertKeepsHighestRevision(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	job := sampleJob("a", 0)
	require.NoError(t, repo.Upsert(ctx, job))

	job.Status = domain.StatusFailed
	job.Stage = domain.StageDiscovery
	job.Error = "dns lookup failed"
	job.Revision = 2
	job.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, repo.Upsert(ctx, job))

	stale := sampleJob("a", 0)
	require.NoError(t, repo.Upsert(ctx, stale))

	got, err := repo.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "dns lookup failed", got.Error)
	assert.Equal(t, uint64(2), got.Revision)
	assert.True(t, base.Add(time.Minute).Equal(got.UpdatedAt))

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestJobRepository_ListRecentAndDeleteAll(t *testing.T) {
	repo := NewJobRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.UpsertBatch(ctx, []domain.Job{
		sampleJob("old", 0),
		sampleJob("mid", time.Minute),
		sampleJob("new", 2*time.Minute),
	}))

	jobs, err := repo.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "mid", jobs[1].ID)

	deleted, err := repo.DeleteAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)

	jobs, err = repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAuditRepository_CreateIsIdempotent(t *testing.T) {
	repo := NewAuditRepository(openTestDB(t))
	ctx := context.Background()

	entry := domain.AuditEntry{
		ID:          "audit-1",
		Action:      domain.AuditActionClear,
		Actor:       "ops",
		Reason:      "reset",
		SkippedJobs: 2,
		EvictedJobs: 5,
		CreatedAt:   base,
	}
	require.NoError(t, repo.Create(ctx, entry))
	require.NoError(t, repo.Create(ctx, entry))

	later := entry
	later.ID = "audit-2"
	later.CreatedAt = base.Add(time.Hour)
	require.NoError(t, repo.Create(ctx, later))

	entries, err := repo.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "audit-2", entries[0].ID)
	assert.Equal(t, 5, entries[1].EvictedJobs)
}

func TestHistorySink_PersistsEvents(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	audit := NewAuditRepository(db)
	sink := NewHistorySink(jobs, audit)
	ctx := context.Background()

	a := sampleJob("a", 0)
	require.NoError(t, sink.Send(ctx, domain.Snapshot([]domain.Job{a}, nil, base)))

	a.Status = domain.StatusDiscovered
	a.Revision = 2
	require.NoError(t, sink.Send(ctx, domain.JobUpdated(a)))
	require.NoError(t, sink.Send(ctx, domain.JobEvicted(a, base)))

	got, err := jobs.GetByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDiscovered, got.Status)

	entry := domain.AuditEntry{ID: "audit-1", Action: domain.AuditActionClear, Actor: "ops", CreatedAt: base}
	require.NoError(t, sink.Send(ctx, domain.Event{Type: domain.EventJobsCleared, Audit: &entry, At: base}))

	_, err = jobs.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	entries, err := audit.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ops", entries[0].Actor)
	assert.NoError(t, sink.Close())
}

func TestHistorySink_ResyncAppliesMissedClear(t *testing.T) {
	db := openTestDB(t)
	jobs := NewJobRepository(db)
	audit := NewAuditRepository(db)
	sink := NewHistorySink(jobs, audit)
	ctx := context.Background()

	a := sampleJob("a", 0)
	a.Status = domain.StatusDownloading
	a.Stage = domain.StageIngestion
	a.Revision = 2
	require.NoError(t, sink.Send(ctx, domain.Snapshot([]domain.Job{a}, nil, base)))

	// The sink is dropped here; the clear and everything up to the resubscribe
	// happen without it. b was created after the clear and evicted before the
	// resubscribe, c is still live.
	clear := domain.AuditEntry{ID: "audit-1", Action: domain.AuditActionClear, Actor: "ops", CreatedAt: base.Add(time.Hour)}
	b := sampleJob("b", 90*time.Minute)
	b.Status = domain.StatusSkipped
	require.NoError(t, jobs.Upsert(ctx, b))
	c := sampleJob("c", 2*time.Hour)

	resync := domain.Snapshot([]domain.Job{c}, nil, base.Add(3*time.Hour))
	resync.Audit = &clear
	require.NoError(t, sink.Send(ctx, resync))

	_, err := jobs.GetByID(ctx, "a")
	assert.ErrorIs(t, err, domain.ErrNotFound, "a job removed by the clear must not survive the resync")
	_, err = jobs.GetByID(ctx, "b")
	assert.NoError(t, err, "history of jobs created after the clear is kept")

	recent, err := jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, len(recent))
	for i, job := range recent {
		ids[i] = job.ID
		assert.NotEqual(t, domain.StatusDownloading, job.Status)
	}
	assert.Equal(t, []string{"c", "b"}, ids)

	entries, err := audit.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "audit-1", entries[0].ID)

	// Seeing the same snapshot again changes nothing.
	require.NoError(t, sink.Send(ctx, resync))
	recent, err = jobs.ListRecent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
