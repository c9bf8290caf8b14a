package client

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/chronos/internal/domain"
	"github.com/timmy/chronos/internal/logger"
)

// step is one producer report in a simulated run.
type step struct {
	status   string
	progress *int
}

// pipelineSteps walks a job through every status, reporting progress inside the
// long-running phases.
func pipelineSteps(progressStep int) []step {
	if progressStep <= 0 || progressStep > 100 {
		progressStep = 25
	}
	ramp := func(status string) []step {
		var out []step
		for p := 0; p < 100; p += progressStep {
			out = append(out, step{status: status, progress: domain.ProgressOf(p)})
		}
		return append(out, step{status: status, progress: domain.ProgressOf(100)})
	}

	steps := []step{{status: "discovered"}}
	steps = append(steps, ramp("downloading")...)
	steps = append(steps, step{status: "downloaded"})
	steps = append(steps, ramp("transforming")...)
	steps = append(steps, step{status: "transformed"}, step{status: "analyzing"}, step{status: "analyzed"})
	steps = append(steps, ramp("indexing")...)
	return append(steps, step{status: "indexed"})
}

// Simulator plays the producer side of the pipeline against a tracker.
type Simulator struct {
	Client       *Client
	Delay        time.Duration
	ProgressStep int
	FailureRate  float64
	Workers      int
}

// SimulationResult counts the outcomes of a run.
type SimulationResult struct {
	Indexed int
	Failed  int
}

// Run drives every job in ids to a terminal status. A job fails at a random step
// with probability FailureRate.
func (s *Simulator) Run(ctx context.Context, ids []string) (SimulationResult, error) {
	workers := s.Workers
	if workers <= 0 {
		workers = 4
	}
	steps := pipelineSteps(s.ProgressStep)

	results := make([]domain.Status, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, id := range ids {
		g.Go(func() error {
			status, err := s.runJob(gctx, id, steps)
			results[i] = status
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return SimulationResult{}, err
	}

	var res SimulationResult
	for _, status := range results {
		switch status {
		case domain.StatusIndexed:
			res.Indexed++
		case domain.StatusFailed:
			res.Failed++
		}
	}
	return res, nil
}

func (s *Simulator) runJob(ctx context.Context, id string, steps []step) (domain.Status, error) {
	ctx = logger.SetJobID(ctx, id)
	failAt := -1
	if s.FailureRate > 0 && rand.Float64() < s.FailureRate {
		failAt = rand.IntN(len(steps))
	}

	for i, st := range steps {
		tr := Transition{Status: st.status, Progress: st.progress}
		if i == failAt {
			tr = Transition{Status: "failed", Error: fmt.Sprintf("simulated failure during %s", st.status)}
		}

		job, err := s.Client.Submit(ctx, id, tr)
		if err != nil {
			return domain.StatusUnknown, fmt.Errorf("job %s: %w", id, err)
		}
		logger.CtxDebug(ctx, "Reported %s (progress %d)", job.Status, job.Progress)
		if job.Terminal() {
			return job.Status, nil
		}

		if s.Delay > 0 {
			select {
			case <-ctx.Done():
				return domain.StatusUnknown, ctx.Err()
			case <-time.After(s.Delay):
			}
		}
	}
	return domain.StatusIndexed, nil
}
