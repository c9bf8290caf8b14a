package domain

import (
	"fmt"
	"strings"
)

// Status is the fine-grained lifecycle state of an archive job.
// Values are declared in pipeline order; the zero value is StatusUnknown.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusDiscovered
	StatusDownloading
	StatusDownloaded
	StatusTransforming
	StatusTransformed
	StatusAnalyzing
	StatusAnalyzed
	StatusIndexing
	StatusIndexed
	StatusFailed
	StatusSkipped
)

var statusNames = [...]string{
	StatusUnknown:      "unknown",
	StatusPending:      "pending",
	StatusDiscovered:   "discovered",
	StatusDownloading:  "downloading",
	StatusDownloaded:   "downloaded",
	StatusTransforming: "transforming",
	StatusTransformed:  "transformed",
	StatusAnalyzing:    "analyzing",
	StatusAnalyzed:     "analyzed",
	StatusIndexing:     "indexing",
	StatusIndexed:      "indexed",
	StatusFailed:       "failed",
	StatusSkipped:      "skipped",
}

// AllStatuses lists every valid status in pipeline order.
var AllStatuses = []Status{
	StatusPending, StatusDiscovered,
	StatusDownloading, StatusDownloaded,
	StatusTransforming, StatusTransformed, StatusAnalyzing, StatusAnalyzed,
	StatusIndexing, StatusIndexed,
	StatusFailed, StatusSkipped,
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	return s > StatusUnknown && s <= StatusSkipped
}

// Terminal reports whether no further transitions are accepted once a job holds s.
func (s Status) Terminal() bool {
	switch s {
	case StatusIndexed, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Abort reports whether s is one of the out-of-band terminal outcomes that may be
// entered from any non-terminal state.
func (s Status) Abort() bool {
	return s == StatusFailed || s == StatusSkipped
}

// Order returns the pipeline position used to reject backwards transitions.
func (s Status) Order() int { return int(s) }

// Stage maps a status to its pipeline stage. The boolean is false for statuses
// that carry the last known stage of the job (failed, skipped) and for invalid values.
func (s Status) Stage() (Stage, bool) {
	switch s {
	case StatusPending, StatusDiscovered:
		return StageDiscovery, true
	case StatusDownloading, StatusDownloaded:
		return StageIngestion, true
	case StatusTransforming, StatusTransformed, StatusAnalyzing, StatusAnalyzed:
		return StageTransformation, true
	case StatusIndexing, StatusIndexed:
		return StageIndexing, true
	default:
		return StageUnknown, false
	}
}

// ParseStatus converts the wire name of a status. Matching is case-insensitive.
func ParseStatus(raw string) (Status, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range AllStatuses {
		if statusNames[s] == name {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStatus, uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Stage is the coarse pipeline phase of a job.
type Stage uint8

const (
	StageUnknown Stage = iota
	StageDiscovery
	StageIngestion
	StageTransformation
	StageIndexing
)

// AllStages lists the pipeline stages in order.
var AllStages = []Stage{StageDiscovery, StageIngestion, StageTransformation, StageIndexing}

var stageNames = [...]string{
	StageUnknown:        "unknown",
	StageDiscovery:      "discovery",
	StageIngestion:      "ingestion",
	StageTransformation: "transformation",
	StageIndexing:       "indexing",
}

func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", uint8(s))
}

// Valid reports whether s is one of the four pipeline stages.
func (s Stage) Valid() bool {
	return s >= StageDiscovery && s <= StageIndexing
}

// ParseStage converts the wire name of a stage.
func ParseStage(raw string) (Stage, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	for _, s := range AllStages {
		if stageNames[s] == name {
			return s, nil
		}
	}
	return StageUnknown, fmt.Errorf("unknown stage %q", raw)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(b []byte) error {
	parsed, err := ParseStage(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Priority is the scheduling hint attached to an archive request.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a priority name. An empty value means PriorityNormal.
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityHigh:
		return PriorityHigh, nil
	default:
		return "", fmt.Errorf("%w: unknown priority %q", ErrInvalidSubmission, raw)
	}
}
