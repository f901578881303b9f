package trigger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/pipeline"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
)

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Due       int `json:"due"`
	Succeeded int `json:"succeeded"`
	Requeued  int `json:"requeued"`
	Exhausted int `json:"exhausted"`
	// Deferred entries found their fingerprint held by a pending attempt
	// and wait for it to finish or lose its lease.
	Deferred int `json:"deferred"`
}

// Replayer re-drives due dead letter entries through the generator.
type Replayer struct {
	dlq     store.DLQStore
	gen     Generator
	backoff resilience.RetryConfig
	now     func() time.Time
}

// NewReplayer creates a Replayer. backoff spaces out repeated failures of the
// same entry.
func NewReplayer(dlq store.DLQStore, gen Generator, backoff resilience.RetryConfig) *Replayer {
	return &Replayer{dlq: dlq, gen: gen, backoff: backoff, now: func() time.Time { return time.Now().UTC() }}
}

// ReplayDue replays up to limit entries whose retry time has come. An entry
// is removed once its request no longer fails; otherwise it is rescheduled,
// and left in place for an operator once it runs out of retries. An entry
// whose fingerprint is held by a pending attempt is pushed back without
// spending a retry.
func (r *Replayer) ReplayDue(ctx context.Context, limit int) (*ReplayStats, error) {
	now := r.now()
	entries, err := r.dlq.ListDLQ(ctx, resilience.DLQFilter{DueBefore: now, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "trigger: list due dlq entries")
	}
	stats := &ReplayStats{Due: len(entries)}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		log := zap.L().With(zap.String("dlq_id", entry.ID), zap.String("attempt_id", entry.AttemptID))

		req := entry.Request
		req.Trigger = model.TriggerDLQ
		res, err := r.gen.Generate(ctx, req)
		if err == nil && res.Status == pipeline.StatusDuplicate && res.Outcome == model.OutcomePending {
			entry.NextRetryAt = r.now().Add(r.deferDelay())
			if err := r.dlq.UpdateDLQ(ctx, entry); err != nil {
				return stats, eris.Wrapf(err, "trigger: defer dlq entry %s", entry.ID)
			}
			stats.Deferred++
			log.Info("trigger: dlq entry waits for a pending attempt",
				zap.String("holder_attempt_id", res.AttemptID),
				zap.Time("next_retry_at", entry.NextRetryAt),
			)
			continue
		}
		if err == nil && res.Status != pipeline.StatusFailed {
			if err := r.dlq.RemoveDLQ(ctx, entry.ID); err != nil {
				return stats, eris.Wrapf(err, "trigger: remove dlq entry %s", entry.ID)
			}
			stats.Succeeded++
			log.Info("trigger: dlq entry replayed", zap.String("status", string(res.Status)))
			continue
		}

		entry.ScheduleNext(r.now(), r.backoff)
		if err != nil {
			entry.ErrorKind = resilience.Kind(err)
			entry.Error = err.Error()
		} else {
			entry.AttemptID = res.AttemptID
			entry.FailedStage = res.FailedStage
			entry.ErrorKind = res.ErrorKind
			entry.Error = res.Error
		}
		if err := r.dlq.UpdateDLQ(ctx, entry); err != nil {
			return stats, eris.Wrapf(err, "trigger: update dlq entry %s", entry.ID)
		}
		if entry.CanRetry() {
			stats.Requeued++
			log.Warn("trigger: dlq replay failed, rescheduled",
				zap.Int("retry_count", entry.RetryCount),
				zap.Time("next_retry_at", entry.NextRetryAt),
				zap.String("error_kind", string(entry.ErrorKind)),
			)
		} else {
			stats.Exhausted++
			log.Error("trigger: dlq entry exhausted its retries",
				zap.Int("retry_count", entry.RetryCount),
				zap.String("error", entry.Error),
			)
		}
	}
	return stats, nil
}

func (r *Replayer) deferDelay() time.Duration {
	if r.backoff.InitialBackoff > 0 {
		return r.backoff.InitialBackoff
	}
	return time.Minute
}
