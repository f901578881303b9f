package model

import "time"

// Stage is a named step of a generation attempt.
type Stage string

const (
	StageSanitize Stage = "sanitize"
	StageDraft    Stage = "draft"
	StageAudit    Stage = "audit"
	StagePublish  Stage = "publish"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageSanitize, StageDraft, StageAudit, StagePublish}

// Seq returns the 1-based position of the stage in execution order, or 0 for
// an unknown stage.
func (s Stage) Seq() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	return s.Seq() > 0
}

// StageStatus is the outcome of a single stage try.
type StageStatus string

const (
	StageStatusSuccess StageStatus = "success"
	StageStatusError   StageStatus = "error"
	StageStatusRetry   StageStatus = "retry"
)

// Valid reports whether s is a known stage status.
func (s StageStatus) Valid() bool {
	switch s {
	case StageStatusSuccess, StageStatusError, StageStatusRetry:
		return true
	default:
		return false
	}
}

// ErrorKind classifies a stage failure for operators.
type ErrorKind string

const (
	ErrorKindTransient     ErrorKind = "transient"
	ErrorKindMalformed     ErrorKind = "malformed_output"
	ErrorKindInvalidInput  ErrorKind = "invalid_input"
	ErrorKindConstraint    ErrorKind = "constraint_violation"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindRejected      ErrorKind = "content_rejected"
	ErrorKindPermanent     ErrorKind = "permanent"
	// ErrorKindAbandoned marks a pending attempt whose lease ran out, such as
	// one orphaned by a process crash.
	ErrorKindAbandoned ErrorKind = "abandoned"
)

// StageLogEntry is one append-only record of a stage try.
type StageLogEntry struct {
	ID        string      `json:"id"`
	AttemptID string      `json:"attempt_id"`
	Stage     Stage       `json:"stage"`
	Seq       int         `json:"seq"`
	Try       int         `json:"try"`
	Status    StageStatus `json:"status"`
	ElapsedMs int64       `json:"elapsed_ms"`
	ErrorKind ErrorKind   `json:"error_kind,omitempty"`
	Error     string      `json:"error,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
