// Package store persists source reports, generation attempts, stage logs,
// content items and the dead letter queue.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = eris.New("store: not found")

// ReportFilter specifies criteria for listing source reports. A zero Date
// lists the most recent reports across all dates.
type ReportFilter struct {
	Date  time.Time `json:"date,omitempty"`
	Limit int       `json:"limit,omitempty"`
}

// AttemptFilter specifies criteria for listing generation attempts.
type AttemptFilter struct {
	Outcome model.Outcome `json:"outcome,omitempty"`
	Since   time.Time     `json:"since,omitempty"`
	Limit   int           `json:"limit,omitempty"`
}

// LogFilter specifies criteria for querying stage logs. Zero fields match
// everything.
type LogFilter struct {
	AttemptID string            `json:"attempt_id,omitempty"`
	Stage     model.Stage       `json:"stage,omitempty"`
	Status    model.StageStatus `json:"status,omitempty"`
	Since     time.Time         `json:"since,omitempty"`
	Limit     int               `json:"limit,omitempty"`
}

// ReportStore reads staff daily reports.
type ReportStore interface {
	ListReports(ctx context.Context, filter ReportFilter) ([]model.SourceReport, error)
	// GetReports returns the reports with the given IDs in the order asked.
	// A missing ID is an ErrNotFound.
	GetReports(ctx context.Context, ids []string) ([]model.SourceReport, error)
	InsertReport(ctx context.Context, r *model.SourceReport) error
}

// AttemptStore records generation attempts.
type AttemptStore interface {
	// ReserveAttempt inserts a as a pending attempt unless a non-failed
	// attempt with the same fingerprint exists. On conflict it returns the
	// existing attempt and reserved=false. The check and the insert are one
	// statement. A pending attempt not updated within the store's attempt
	// lease is first marked failed with kind abandoned, in the same
	// transaction, so a crashed run never holds its fingerprint for good.
	ReserveAttempt(ctx context.Context, a *model.GenerationAttempt) (existing *model.GenerationAttempt, reserved bool, err error)
	UpdateAttemptStage(ctx context.Context, id string, stage model.Stage) error
	FinishAttempt(ctx context.Context, id string, res model.AttemptResult) error
	GetAttempt(ctx context.Context, id string) (*model.GenerationAttempt, error)
	ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.GenerationAttempt, error)
}

// ContentStore persists generated content.
type ContentStore interface {
	// InsertContentIfAbsent stores item unless content with the same
	// fingerprint exists, in which case it returns the existing item and a
	// *resilience.ConstraintViolation.
	InsertContentIfAbsent(ctx context.Context, item *model.ContentItem) (*model.ContentItem, error)
	GetContent(ctx context.Context, id string) (*model.ContentItem, error)
}

// LogStore is the append-only stage log.
type LogStore interface {
	AppendStageLog(ctx context.Context, e *model.StageLogEntry) error
	QueryStageLogs(ctx context.Context, filter LogFilter) ([]model.StageLogEntry, error)
}

// DLQStore holds failed generation requests for later replay.
type DLQStore interface {
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error
	RemoveDLQ(ctx context.Context, id string) error
	CountDLQ(ctx context.Context) (int, error)
}

// Store is the full persistence surface.
type Store interface {
	ReportStore
	AttemptStore
	ContentStore
	LogStore
	DLQStore

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

const defaultLimit = 100

func limitOr(n, def int) uint64 {
	if n <= 0 {
		return uint64(def)
	}
	return uint64(n)
}

// DefaultAttemptLease applies when a store is given no attempt lease.
const DefaultAttemptLease = 15 * time.Minute

const abandonedMessage = "attempt lease expired while pending"
