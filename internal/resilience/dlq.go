package resilience

import (
	"time"

	"github.com/salonworks/storyline/internal/model"
)

// DLQEntry is a generation request whose attempt failed for a transient
// reason and may be re-driven later.
type DLQEntry struct {
	ID           string                  `json:"id"`
	Request      model.GenerationRequest `json:"request"`
	AttemptID    string                  `json:"attempt_id"`
	FailedStage  model.Stage             `json:"failed_stage,omitempty"`
	ErrorKind    model.ErrorKind         `json:"error_kind"`
	Error        string                  `json:"error"`
	RetryCount   int                     `json:"retry_count"`
	MaxRetries   int                     `json:"max_retries"`
	NextRetryAt  time.Time               `json:"next_retry_at"`
	CreatedAt    time.Time               `json:"created_at"`
	LastFailedAt time.Time               `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorKind model.ErrorKind `json:"error_kind,omitempty"`
	// DueBefore limits the result to entries whose NextRetryAt is not after it.
	DueBefore time.Time `json:"due_before,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// CanRetry returns true if this entry hasn't exceeded its max retry count.
func (e *DLQEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}

// Due reports whether the entry may be replayed at now.
func (e *DLQEntry) Due(now time.Time) bool {
	return e.CanRetry() && !e.NextRetryAt.After(now)
}

// ScheduleNext records a failed replay at now and pushes NextRetryAt out
// using cfg's exponential backoff without jitter.
func (e *DLQEntry) ScheduleNext(now time.Time, cfg RetryConfig) {
	cfg = applyDefaults(cfg)
	cfg.JitterFraction = 0
	e.RetryCount++
	e.LastFailedAt = now
	e.NextRetryAt = now.Add(computeBackoff(e.RetryCount, cfg))
}

// ShouldEnqueue reports whether a failed attempt belongs in the dead letter
// queue: only transient root causes are worth re-driving.
func ShouldEnqueue(kind model.ErrorKind) bool {
	return kind == model.ErrorKindTransient
}
