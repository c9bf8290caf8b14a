package domain

import (
	"fmt"
	"time"
)

// ArchiveJobRecord is the persisted form of a Job used for recent-jobs recall.
// Status and stage are stored by name so rows stay readable across enum changes.
type ArchiveJobRecord struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	URL       string    `gorm:"type:text;not null" json:"url"`
	Status    string    `gorm:"type:text;not null;index" json:"status"`
	Stage     string    `gorm:"type:text;not null" json:"stage"`
	Progress  int       `gorm:"default:0" json:"progress"`
	ErrorLog  string    `gorm:"type:text" json:"error_log,omitempty"`
	Priority  string    `gorm:"type:text;default:normal" json:"priority"`
	Revision  uint64    `gorm:"default:0" json:"revision"`
	CreatedAt time.Time `gorm:"index;autoCreateTime:false" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// TableName returns the database table name for ArchiveJobRecord.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (ArchiveJobRecord) TableName() string {
	return "archive_jobs"
}

// NewArchiveJobRecord converts a job snapshot into its persisted form.
// Parameters:
//   - job: job snapshot to persist.
// Returns:
//   - *ArchiveJobRecord: row ready for an upsert.
func NewArchiveJobRecord(job Job) *ArchiveJobRecord {
	return &ArchiveJobRecord{
		ID:        job.ID,
		URL:       job.URL,
		Status:    job.Status.String(),
		Stage:     job.Stage.String(),
		Progress:  job.Progress,
		ErrorLog:  job.Error,
		Priority:  string(job.Priority),
		Revision:  job.Revision,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
}

// ToJob converts a persisted row back into a job snapshot.
// Parameters: none.
// Returns:
//   - Job: restored job.
//   - error: non-nil if the stored status or stage is not recognized.
func (r *ArchiveJobRecord) ToJob() (Job, error) {
	status, err := ParseStatus(r.Status)
	if err != nil {
		return Job{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	stage, err := ParseStage(r.Stage)
	if err != nil {
		return Job{}, fmt.Errorf("record %s: %w", r.ID, err)
	}
	priority, err := ParsePriority(r.Priority)
	if err != nil {
		priority = PriorityNormal
	}
	return Job{
		ID:        r.ID,
		URL:       r.URL,
		Status:    status,
		Stage:     stage,
		Progress:  r.Progress,
		Error:     r.ErrorLog,
		Priority:  priority,
		Revision:  r.Revision,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}, nil
}
