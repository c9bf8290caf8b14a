package tracker

import (
	"strings"
	"time"

	"github.com/timmy/chronos/internal/domain"
)

// NewJob builds the initial record of a submission. It is the creation half of the
// transition function: there is no current record and the result is always pending.
func NewJob(id, url string, priority domain.Priority, now time.Time) (domain.Job, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return domain.Job{}, domain.Reject(id, domain.ErrInvalidSubmission, "url is empty")
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}
	stage, _ := domain.StatusPending.Stage()
	return domain.Job{
		ID:        id,
		URL:       url,
		Status:    domain.StatusPending,
		Stage:     stage,
		Progress:  0,
		Priority:  priority,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate decides whether p may be applied to current and computes the resulting
// record. It has no side effects; a rejection leaves current untouched.
func Validate(current domain.Job, p domain.Proposal, now time.Time) (domain.Job, error) {
	id := current.ID

	if current.Status.Terminal() {
		return current, domain.Reject(id, domain.ErrAlreadyTerminal, "status is %s", current.Status)
	}
	if !p.Status.Valid() {
		return current, domain.Reject(id, domain.ErrUnknownStatus, "status value %d", uint8(p.Status))
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return current, domain.Reject(id, domain.ErrProgressOutOfRange, "got %d", *p.Progress)
	}
	if !p.Status.Abort() && p.Status.Order() < current.Status.Order() {
		return current, domain.Reject(id, domain.ErrStatusRegression, "%s -> %s", current.Status, p.Status)
	}

	errMsg := strings.TrimSpace(p.Error)
	if p.Status == domain.StatusFailed && errMsg == "" {
		return current, domain.Reject(id, domain.ErrMissingErrorDetail, "")
	}

	next := current
	next.Status = p.Status
	next.Error = ""
	if p.Status == domain.StatusFailed {
		next.Error = errMsg
	}

	// failed and skipped keep the stage the job was in.
	stage, mapped := p.Status.Stage()
	if !mapped {
		stage = current.Stage
	}
	next.Stage = stage

	if stage != current.Stage {
		next.Progress = 0
		if p.Progress != nil {
			next.Progress = *p.Progress
		}
	} else if p.Progress != nil {
		if *p.Progress < current.Progress {
			return current, domain.Reject(id, domain.ErrProgressRegression,
				"proposed %d below current %d in stage %s", *p.Progress, current.Progress, stage)
		}
		next.Progress = *p.Progress
	}

	next.Revision = current.Revision + 1
	next.UpdatedAt = now
	return next, nil
}
