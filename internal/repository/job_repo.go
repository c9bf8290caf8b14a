package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/timmy/chronos/internal/domain"
)

// JobRepository persists job records for recent-jobs recall across restarts.
type JobRepository struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
// Parameters:
//   - db: GORM database handle used for queries.
// Returns:
//   - *JobRepository: repository instance bound to db.
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Upsert stores job, keeping whichever of the stored and given rows has the
// higher revision.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job snapshot to persist.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *JobRepository) Upsert(ctx context.Context, job domain.Job) error {
	return r.UpsertBatch(ctx, []domain.Job{job})
}

// UpsertBatch stores several jobs in one statement with the same revision rule as Upsert.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - jobs: job snapshots to persist.
// Returns:
//   - error: non-nil if the upsert fails.
func (r *JobRepository) UpsertBatch(ctx context.Context, jobs []domain.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	records := make([]*domain.ArchiveJobRecord, len(jobs))
	for i, job := range jobs {
		records[i] = domain.NewArchiveJobRecord(job)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "stage", "progress", "error_log", "revision", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "archive_jobs.revision < excluded.revision"},
		}},
	}).Create(&records).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %d jobs: %w", len(jobs), err)
	}
	return nil
}

// GetByID retrieves a persisted job by its ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
// Returns:
//   - domain.Job: the stored job.
//   - error: domain.ErrNotFound when no row exists, otherwise non-nil on lookup failure.
func (r *JobRepository) GetByID(ctx context.Context, id string) (domain.Job, error) {
	var record domain.ArchiveJobRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Job{}, domain.Reject(id, domain.ErrNotFound, "")
		}
		return domain.Job{}, err
	}
	return record.ToJob()
}

// ListRecent returns up to limit jobs, newest first. Rows that no longer decode are skipped.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - limit: maximum number of jobs to return.
// Returns:
//   - []domain.Job: restored jobs.
//   - error: non-nil if the query fails.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]domain.Job, error) {
	var records []domain.ArchiveJobRecord
	if err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list recent jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(records))
	for i := range records {
		job, err := records[i].ToJob()
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteAll removes every persisted job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
// Returns:
//   - int64: number of rows deleted.
//   - error: non-nil if the delete fails.
func (r *JobRepository) DeleteAll(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&domain.ArchiveJobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteClearedBy removes the rows of jobs a clear at clearedAt removed: rows
// created up to that time, except the ids in keep.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - clearedAt: time of the clear.
//   - keep: ids still live in the registry.
// Returns:
//   - int64: number of rows deleted.
//   - error: non-nil if the delete fails.
func (r *JobRepository) DeleteClearedBy(ctx context.Context, clearedAt time.Time, keep []string) (int64, error) {
	query := r.db.WithContext(ctx).Where("created_at <= ?", clearedAt)
	if len(keep) > 0 {
		query = query.Where("id NOT IN ?", keep)
	}
	result := query.Delete(&domain.ArchiveJobRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete cleared jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
