package repository

import (
	"context"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// HistorySink is an in-process observer of the job stream that writes job records
// and audit entries to the database. It satisfies tracker.Transport; a returned
// error makes the tracker retry the same event.
type HistorySink struct {
	jobs  *JobRepository
	audit *AuditRepository
}

// NewHistorySink creates a sink over the given repositories.
func NewHistorySink(jobs *JobRepository, audit *AuditRepository) *HistorySink {
	return &HistorySink{jobs: jobs, audit: audit}
}

// Send persists ev.
func (s *HistorySink) Send(ctx context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventSnapshot:
		// A sink that was dropped may have missed the last clear; the snapshot
		// names it, so apply it before taking the live records.
		if ev.Audit != nil {
			if err := s.catchUpClear(ctx, *ev.Audit, ev.Jobs); err != nil {
				return err
			}
		}
		if err := s.jobs.UpsertBatch(ctx, ev.Jobs); err != nil {
			return err
		}
		logger.With(logger.Fields{logger.FieldCount: len(ev.Jobs)}).
			Debug(ctx, "History sink synchronized from snapshot")
	case domain.EventJobUpdate:
		if ev.Job != nil {
			return s.jobs.Upsert(ctx, *ev.Job)
		}
	case domain.EventJobsCleared:
		// Every row present now belongs to a cleared job: events are handled in
		// publish order and jobs created after the clear are published after it.
		if ev.Audit != nil {
			if err := s.audit.Create(ctx, *ev.Audit); err != nil {
				return err
			}
		}
		deleted, err := s.jobs.DeleteAll(ctx)
		if err != nil {
			return err
		}
		logger.With(logger.Fields{logger.FieldCount: deleted}).
			Info(ctx, "History sink dropped cleared jobs")
	}
	// job_evicted only leaves the live view; history keeps the row.
	return nil
}

func (s *HistorySink) catchUpClear(ctx context.Context, clear domain.AuditEntry, live []domain.Job) error {
	if err := s.audit.Create(ctx, clear); err != nil {
		return err
	}
	keep := make([]string, len(live))
	for i, job := range live {
		keep[i] = job.ID
	}
	deleted, err := s.jobs.DeleteClearedBy(ctx, clear.CreatedAt, keep)
	if err != nil {
		return err
	}
	if deleted > 0 {
		logger.With(logger.Fields{logger.FieldCount: deleted}).
			Info(ctx, "History sink dropped jobs removed by a missed clear")
	}
	return nil
}

// Close implements tracker.Transport.
func (s *HistorySink) Close() error { return nil }
