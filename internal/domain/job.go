package domain

import "time"

// Job is the tracked state of one archived URL submission.
// Values of Job are immutable snapshots; the tracker registry owns the live record.
type Job struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Status    Status    `json:"status"`
	Stage     Stage     `json:"stage"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	Priority  Priority  `json:"priority"`
	Revision  uint64    `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the job accepts no further transitions.
func (j Job) Terminal() bool { return j.Status.Terminal() }

// Active reports whether the job is still moving through the pipeline.
func (j Job) Active() bool { return j.Status.Valid() && !j.Status.Terminal() }

// Proposal is a producer's requested change to a job.
// A nil Progress keeps the current value, or starts at 0 when the stage advances.
type Proposal struct {
	Status   Status
	Progress *int
	Error    string
}

// ProgressOf is a helper for building proposals with an explicit progress.
func ProgressOf(p int) *int { return &p }

// ListFilter narrows a registry listing. Zero values disable a criterion.
type ListFilter struct {
	Status     Status
	Stage      Stage
	ActiveOnly bool
	Limit      int
}

// Match reports whether job satisfies every enabled criterion (Limit is ignored).
func (f ListFilter) Match(job Job) bool {
	if f.Status.Valid() && job.Status != f.Status {
		return false
	}
	if f.Stage.Valid() && job.Stage != f.Stage {
		return false
	}
	if f.ActiveOnly && !job.Active() {
		return false
	}
	return true
}

// StageSummary is the aggregate view of the active jobs in one stage.
type StageSummary struct {
	Stage        Stage   `json:"stage"`
	ActiveCount  int     `json:"active_count"`
	MeanProgress float64 `json:"mean_progress"`
}

// PipelineSummary holds one StageSummary per pipeline stage, in pipeline order.
type PipelineSummary struct {
	Stages   []StageSummary `json:"stages"`
	Total    int            `json:"total"`
	Active   int            `json:"active"`
	Indexed  int            `json:"indexed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Revision uint64         `json:"revision"`
}

// ForStage returns the summary of stage, or a zero summary when absent.
func (p PipelineSummary) ForStage(stage Stage) StageSummary {
	for _, s := range p.Stages {
		if s.Stage == stage {
			return s
		}
	}
	return StageSummary{Stage: stage}
}
