package pipeline

import (
	"context"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
)

const maxErrorDetail = 1000

// Runner executes a single stage under its table policy and appends a stage
// log entry for every try.
type Runner struct {
	logs    store.LogStore
	backoff resilience.RetryConfig
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRunner creates a Runner. backoff supplies the delay settings; attempt
// counts and retry predicates come from the stage table.
func NewRunner(logs store.LogStore, backoff resilience.RetryConfig) *Runner {
	return &Runner{
		logs:    logs,
		backoff: backoff,
		tracer:  otel.Tracer("storyline/pipeline"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run executes stage against item. It never returns an error: failures are
// reported in the StageResult and in the log store.
func (r *Runner) Run(ctx context.Context, stage Stage, item *WorkItem) StageResult {
	name := stage.Name()
	policy, ok := PolicyFor(name)
	if !ok {
		policy = StagePolicy{Stage: name, MaxTries: 1, RetryOn: func(error) bool { return false }, Exhausted: model.OutcomeFailed}
	}
	attemptID := item.Attempt.ID
	log := zap.L().With(
		zap.String("attempt_id", attemptID),
		zap.String("stage", string(name)),
	)

	ctx, span := r.tracer.Start(ctx, "stage."+string(name), trace.WithAttributes(
		attribute.String("storyline.attempt_id", attemptID),
		attribute.String("storyline.content_type", string(item.Attempt.ContentType)),
		attribute.Int("storyline.max_tries", policy.MaxTries),
	))
	defer span.End()

	res := StageResult{Stage: name}
	cfg := r.backoff
	cfg.MaxAttempts = policy.MaxTries
	cfg.ShouldRetry = policy.RetryOn
	cfg.OnRetry = nil
	cfg.OnAttempt = func(a resilience.Attempt) {
		entry := model.StageLogEntry{
			ID:        uuid.New().String(),
			AttemptID: attemptID,
			Stage:     name,
			Seq:       name.Seq(),
			Try:       a.Number,
			Status:    model.StageStatusSuccess,
			ElapsedMs: a.Elapsed.Milliseconds(),
			CreatedAt: r.now(),
		}
		if a.Err != nil {
			entry.Status = model.StageStatusError
			if a.WillRetry {
				entry.Status = model.StageStatusRetry
			}
			entry.ErrorKind = resilience.Kind(a.Err)
			entry.Error = truncate(a.Err.Error(), maxErrorDetail)
		}
		// The log row must land even when the caller's context is gone.
		if err := r.logs.AppendStageLog(context.WithoutCancel(ctx), &entry); err != nil {
			log.Error("pipeline: append stage log failed", zap.Int("try", a.Number), zap.Error(err))
		}
		res.Entries = append(res.Entries, entry)
		span.AddEvent("try", trace.WithAttributes(
			attribute.Int("try", a.Number),
			attribute.String("status", string(entry.Status)),
		))

		fields := []zap.Field{
			zap.Int("try", a.Number),
			zap.String("status", string(entry.Status)),
			zap.Int64("elapsed_ms", entry.ElapsedMs),
		}
		switch entry.Status {
		case model.StageStatusSuccess:
			log.Info("pipeline: stage try succeeded", fields...)
		case model.StageStatusRetry:
			log.Warn("pipeline: stage try failed, retrying", append(fields, zap.Error(a.Err))...)
		default:
			log.Error("pipeline: stage failed", append(fields, zap.Error(a.Err))...)
		}
	}

	start := time.Now()
	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		return stage.Run(ctx, item)
	})
	res.Elapsed = time.Since(start)
	res.Tries = len(res.Entries)

	if err != nil {
		res.Status = model.StageStatusError
		res.Err = err
		res.Kind = resilience.Kind(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Kind))
	} else {
		res.Status = model.StageStatusSuccess
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Int("storyline.tries", res.Tries))
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
