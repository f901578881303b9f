package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of generation health.
type MetricsSnapshot struct {
	// Attempt metrics (within lookback window).
	AttemptsTotal  int                     `json:"attempts_total"`
	Published      int                     `json:"published"`
	PendingReview  int                     `json:"pending_review"`
	Failed         int                     `json:"failed"`
	InFlight       int                     `json:"in_flight"`
	FailRate       float64                 `json:"fail_rate"`
	FailuresByKind map[model.ErrorKind]int `json:"failures_by_kind"`

	// Stage log summary (within lookback window).
	Stages Summary `json:"stages"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read surface the collector needs.
type Source interface {
	ListAttempts(ctx context.Context, filter store.AttemptFilter) ([]model.GenerationAttempt, error)
	QueryStageLogs(ctx context.Context, filter store.LogFilter) ([]model.StageLogEntry, error)
	CountDLQ(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	src Source
	now func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(src Source) *Collector {
	return &Collector{src: src, now: func() time.Time { return time.Now().UTC() }}
}

const collectLimit = 10000

// Collect gathers a snapshot of generation metrics over the lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now()
	snap := &MetricsSnapshot{
		FailuresByKind: make(map[model.ErrorKind]int),
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	attempts, err := c.src.ListAttempts(ctx, store.AttemptFilter{Since: cutoff, Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list attempts")
	}
	snap.AttemptsTotal = len(attempts)
	for _, a := range attempts {
		switch a.Outcome {
		case model.OutcomePublished:
			snap.Published++
		case model.OutcomePendingReview:
			snap.PendingReview++
		case model.OutcomeFailed:
			snap.Failed++
			if a.Failure != nil {
				snap.FailuresByKind[a.Failure.Kind]++
			}
		case model.OutcomePending:
			snap.InFlight++
		}
	}
	if finished := snap.Published + snap.PendingReview + snap.Failed; finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(finished)
	}

	entries, err := c.src.QueryStageLogs(ctx, store.LogFilter{Since: cutoff, Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: query stage logs")
	}
	snap.Stages = Summarize(entries)

	depth, err := c.src.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	return snap, nil
}
