package tracker

import (
	"sync"

	"github.com/timmy/chronos/internal/domain"
)

// Aggregate computes the per-stage view of jobs. Only active jobs contribute to a
// stage; a stage with no active jobs reports a mean progress of 0.
func Aggregate(jobs []domain.Job) domain.PipelineSummary {
	type acc struct {
		count int
		sum   int
	}
	perStage := make(map[domain.Stage]*acc, len(domain.AllStages))
	for _, stage := range domain.AllStages {
		perStage[stage] = &acc{}
	}

	summary := domain.PipelineSummary{Total: len(jobs)}
	for _, job := range jobs {
		switch job.Status {
		case domain.StatusIndexed:
			summary.Indexed++
		case domain.StatusFailed:
			summary.Failed++
		case domain.StatusSkipped:
			summary.Skipped++
		}
		if !job.Active() {
			continue
		}
		summary.Active++
		if a, ok := perStage[job.Stage]; ok {
			a.count++
			a.sum += job.Progress
		}
	}

	summary.Stages = make([]domain.StageSummary, 0, len(domain.AllStages))
	for _, stage := range domain.AllStages {
		a := perStage[stage]
		s := domain.StageSummary{Stage: stage, ActiveCount: a.count}
		if a.count > 0 {
			s.MeanProgress = float64(a.sum) / float64(a.count)
		}
		summary.Stages = append(summary.Stages, s)
	}
	return summary
}

type snapshotSource interface {
	Snapshot() []domain.Job
	Revision() uint64
}

// Aggregator caches the pipeline summary for the registry revision it was computed
// at and recomputes once the registry has moved on.
type Aggregator struct {
	source snapshotSource

	mu       sync.Mutex
	cached   domain.PipelineSummary
	valid    bool
	revision uint64
}

// NewAggregator creates an Aggregator over source.
func NewAggregator(source snapshotSource) *Aggregator {
	return &Aggregator{source: source}
}

// Summary returns the summary for the current registry contents.
func (a *Aggregator) Summary() domain.PipelineSummary {
	// Read the revision before the snapshot: a commit landing in between makes the
	// cache look stale and forces a recompute, never the other way round.
	rev := a.source.Revision()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.valid && a.revision == rev {
		return cloneSummary(a.cached)
	}

	summary := Aggregate(a.source.Snapshot())
	summary.Revision = rev
	a.cached, a.revision, a.valid = summary, rev, true
	return cloneSummary(summary)
}

func cloneSummary(s domain.PipelineSummary) domain.PipelineSummary {
	s.Stages = append([]domain.StageSummary(nil), s.Stages...)
	return s
}
