package domain

import (
	"errors"
	"fmt"
)

// Rejection reasons. Every rejected proposal or submission wraps exactly one of these.
var (
	ErrNotFound           = errors.New("job not found")
	ErrAlreadyTerminal    = errors.New("job already reached a terminal status")
	ErrProgressRegression = errors.New("progress cannot decrease within a stage")
	ErrUnknownStatus      = errors.New("unknown status")
	ErrMissingErrorDetail = errors.New("failed status requires an error message")
	ErrInvalidSubmission  = errors.New("invalid submission")
	ErrStatusRegression   = errors.New("status cannot move backwards in the pipeline")
	ErrProgressOutOfRange = errors.New("progress must be between 0 and 100")
)

var reasonCodes = map[error]string{
	ErrNotFound:           "NotFound",
	ErrAlreadyTerminal:    "AlreadyTerminal",
	ErrProgressRegression: "ProgressRegression",
	ErrUnknownStatus:      "UnknownStatus",
	ErrMissingErrorDetail: "MissingErrorDetail",
	ErrInvalidSubmission:  "InvalidSubmission",
	ErrStatusRegression:   "StatusRegression",
	ErrProgressOutOfRange: "ProgressOutOfRange",
}

// RejectionError describes why a proposal against a job was refused.
type RejectionError struct {
	JobID  string
	Reason error
	Detail string
}

// Reject builds a RejectionError for the given job and reason.
func Reject(jobID string, reason error, format string, args ...interface{}) *RejectionError {
	return &RejectionError{
		JobID:  jobID,
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

func (e *RejectionError) Error() string {
	msg := e.Reason.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s", e.JobID, msg)
	}
	return msg
}

func (e *RejectionError) Unwrap() error { return e.Reason }

// Code returns the stable rejection code, e.g. "ProgressRegression".
func (e *RejectionError) Code() string { return ReasonCode(e.Reason) }

// ReasonCode maps any error to its rejection code, or "" when err is not a rejection.
func ReasonCode(err error) string {
	for reason, code := range reasonCodes {
		if errors.Is(err, reason) {
			return code
		}
	}
	return ""
}

// IsRejection reports whether err carries one of the rejection reasons.
func IsRejection(err error) bool {
	return ReasonCode(err) != ""
}

// ReasonForCode is the inverse of ReasonCode. It returns nil for an unknown code.
func ReasonForCode(code string) error {
	for reason, c := range reasonCodes {
		if c == code {
			return reason
		}
	}
	return nil
}
