package domain

import "time"

// EventType identifies a message on the job event stream.
type EventType string

const (
	// EventSnapshot carries the full set of jobs an observer starts from.
	EventSnapshot EventType = "snapshot"
	// EventJobUpdate carries the full record after one accepted transition or creation.
	EventJobUpdate EventType = "job_update"
	// EventJobEvicted tells observers a retired job left the recent view.
	EventJobEvicted EventType = "job_evicted"
	// EventJobsCleared carries the audit entry of an administrative clear.
	EventJobsCleared EventType = "jobs_cleared"
	// EventAck acknowledges a client control message on bidirectional transports.
	EventAck EventType = "ack"
)

// Event is one message delivered to observers. On a snapshot, Audit names the
// most recent clear of the registry, if any.
type Event struct {
	Type    EventType        `json:"type"`
	Job     *Job             `json:"job,omitempty"`
	Jobs    []Job            `json:"jobs,omitempty"`
	Summary *PipelineSummary `json:"summary,omitempty"`
	Audit   *AuditEntry      `json:"audit,omitempty"`
	Message string           `json:"message,omitempty"`
	At      time.Time        `json:"at"`
}

// JobUpdated builds the event published after a commit.
func JobUpdated(job Job) Event {
	return Event{Type: EventJobUpdate, Job: &job, At: job.UpdatedAt}
}

// JobEvicted builds the event published when a retired job is dropped.
func JobEvicted(job Job, at time.Time) Event {
	return Event{Type: EventJobEvicted, Job: &job, At: at}
}

// Snapshot builds the initial event for a new subscription.
func Snapshot(jobs []Job, summary *PipelineSummary, at time.Time) Event {
	if jobs == nil {
		jobs = []Job{}
	}
	return Event{Type: EventSnapshot, Jobs: jobs, Summary: summary, At: at}
}

// AuditAction names an administrative operation recorded in the audit log.
type AuditAction string

const (
	AuditActionClear AuditAction = "clear_jobs"
)

// AuditEntry records an administrative operation applied to the registry.
type AuditEntry struct {
	ID          string      `gorm:"type:text;primaryKey" json:"id"`
	Action      AuditAction `gorm:"type:text;not null;index" json:"action"`
	Actor       string      `gorm:"type:text" json:"actor"`
	Reason      string      `gorm:"type:text" json:"reason"`
	SkippedJobs int         `gorm:"default:0" json:"skipped_jobs"`
	EvictedJobs int         `gorm:"default:0" json:"evicted_jobs"`
	SnapshotKey string      `gorm:"type:text" json:"snapshot_key,omitempty"`
	CreatedAt   time.Time   `gorm:"index;autoCreateTime:false" json:"created_at"`
}

// TableName returns the database table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "audit_entries"
}
