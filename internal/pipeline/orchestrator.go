package pipeline

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/config"
	"github.com/salonworks/storyline/internal/dedup"
	"github.com/salonworks/storyline/internal/events"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/sanitize"
	"github.com/salonworks/storyline/internal/store"
	"github.com/salonworks/storyline/internal/textgen"
)

// Status is the caller-facing result of Generate.
type Status string

const (
	StatusPublished     Status = "published"
	StatusPendingReview Status = "pending_review"
	StatusFailed        Status = "failed"
	StatusDuplicate     Status = "duplicate"
)

// Result describes what Generate did.
type Result struct {
	AttemptID string `json:"attempt_id,omitempty"`
	ContentID string `json:"content_id,omitempty"`
	Status    Status `json:"status"`
	// Outcome is the attempt outcome; for duplicates, that of the attempt
	// already holding the fingerprint.
	Outcome     model.Outcome         `json:"outcome"`
	Duplicate   bool                  `json:"duplicate"`
	// ContentDuplicate is set when publish found content already stored for
	// the fingerprint and reused it.
	ContentDuplicate bool `json:"content_duplicate,omitempty"`
	FailedStage model.Stage           `json:"failed_stage,omitempty"`
	ErrorKind   model.ErrorKind       `json:"error_kind,omitempty"`
	Error       string                `json:"error,omitempty"`
	Entries     []model.StageLogEntry `json:"entries,omitempty"`
}

// Deps are the capabilities an Orchestrator uses. DLQ and Events are
// optional.
type Deps struct {
	Reports   store.ReportStore
	Attempts  store.AttemptStore
	Content   store.ContentStore
	Logs      store.LogStore
	DLQ       store.DLQStore
	Guard     dedup.Guard
	Generator textgen.Generator
	Events    events.Publisher
}

// DepsFromStore fills every store-backed dependency from st.
func DepsFromStore(st store.Store, guard dedup.Guard, gen textgen.Generator, pub events.Publisher) Deps {
	return Deps{
		Reports:   st,
		Attempts:  st,
		Content:   st,
		Logs:      st,
		DLQ:       st,
		Guard:     guard,
		Generator: gen,
		Events:    pub,
	}
}

// Options tune generation.
type Options struct {
	AutoPublish bool
	// RecentLimit bounds report selection for manual requests without IDs.
	RecentLimit int
	MaxRisk     float64
	Masker      *sanitize.Masker
	Backoff     resilience.RetryConfig
	// DLQMaxRetries and DLQDelay shape entries enqueued for failed attempts.
	DLQMaxRetries int
	DLQDelay      time.Duration
}

// OptionsFromConfig derives Options from application config.
func OptionsFromConfig(cfg *config.Config, masker *sanitize.Masker) Options {
	backoff := resilience.FromRetryConfig(0, cfg.Pipeline.InitialBackoffMs, cfg.Pipeline.MaxBackoffMs, 0, -1)
	return Options{
		AutoPublish:   cfg.Pipeline.AutoPublish,
		RecentLimit:   cfg.Pipeline.RecentLimit,
		MaxRisk:       cfg.Pipeline.MaxRisk,
		Masker:        masker,
		Backoff:       backoff,
		DLQMaxRetries: cfg.Pipeline.DLQMaxRetries,
		DLQDelay:      time.Duration(cfg.Pipeline.DLQDelaySecs) * time.Second,
	}
}

// Orchestrator runs generation attempts end to end: report selection,
// fingerprint reservation, the four stages and the attempt's terminal
// bookkeeping.
type Orchestrator struct {
	deps   Deps
	opts   Options
	runner *Runner
	stages []Stage
	// tableErr is set when model.Stages names a stage with no policy or
	// implementation.
	tableErr error
	now      func() time.Time
}

// NewOrchestrator wires the stage table to deps.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 20
	}
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = 3
	}
	if opts.DLQDelay <= 0 {
		opts.DLQDelay = 5 * time.Minute
	}
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		runner: NewRunner(deps.Logs, opts.Backoff),
		now:    func() time.Time { return time.Now().UTC() },
	}
	o.stages, o.tableErr = buildStages(map[model.Stage]Stage{
		model.StageSanitize: &SanitizeStage{gen: deps.Generator, masker: opts.Masker, maxRisk: opts.MaxRisk},
		model.StageDraft:    &DraftStage{gen: deps.Generator},
		model.StageAudit:    &AuditStage{gen: deps.Generator},
		model.StagePublish:  &PublishStage{content: deps.Content},
	})
	return o
}

// buildStages orders impls by model.Stages, requiring a policy and an
// implementation for every stage.
func buildStages(impls map[model.Stage]Stage) ([]Stage, error) {
	stages := make([]Stage, 0, len(model.Stages))
	var missing []string
	for _, name := range model.Stages {
		impl, ok := impls[name]
		if _, hasPolicy := PolicyFor(name); !ok || !hasPolicy {
			missing = append(missing, string(name))
			continue
		}
		stages = append(stages, impl)
	}
	if len(missing) > 0 {
		return nil, resilience.NewConfigurationError("pipeline", "stage table incomplete: "+strings.Join(missing, ", "))
	}
	return stages, nil
}

type readiness interface {
	Ready() error
}

// Validate reports missing capabilities as a *resilience.ConfigurationError.
func (o *Orchestrator) Validate() error {
	if o.tableErr != nil {
		return o.tableErr
	}
	var missing []string
	for name, ok := range map[string]bool{
		"reports":   o.deps.Reports != nil,
		"attempts":  o.deps.Attempts != nil,
		"content":   o.deps.Content != nil,
		"logs":      o.deps.Logs != nil,
		"guard":     o.deps.Guard != nil,
		"generator": o.deps.Generator != nil,
	} {
		if !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return resilience.NewConfigurationError("pipeline", "missing capabilities: "+strings.Join(missing, ", "))
	}
	if r, ok := o.deps.Generator.(readiness); ok {
		return r.Ready()
	}
	return nil
}

// Generate runs one generation request. Stage failures are reported in the
// Result, not as an error; the error return is for configuration problems,
// invalid requests and storage failures outside the stages. A request whose
// fingerprint is already held returns a duplicate Result without running
// anything.
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest) (*Result, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}
	if !req.ContentType.Valid() {
		return nil, &resilience.InvalidInputError{Reason: "unknown content type " + string(req.ContentType)}
	}

	reports, target, err := o.selectReports(ctx, req)
	if err != nil {
		return nil, err
	}

	claim := dedup.Claim{
		AttemptID:   uuid.New().String(),
		Mode:        req.Mode(),
		Trigger:     req.Trigger,
		ContentType: req.ContentType,
		TargetDate:  target,
		ReportIDs:   model.ReportIDs(reports),
	}
	reservation, err := o.deps.Guard.Reserve(ctx, claim)
	var dup *dedup.DuplicateError
	if errors.As(err, &dup) {
		zap.L().Info("pipeline: duplicate request, nothing to do",
			zap.String("trigger", string(req.Trigger)),
			zap.String("content_type", string(req.ContentType)),
			zap.String("existing_attempt_id", dup.AttemptID),
			zap.Bool("in_flight", dup.InFlight),
		)
		return duplicateResult(dup), nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: reserve attempt")
	}
	defer reservation.Release(context.WithoutCancel(ctx))

	return o.run(ctx, req, reservation.Attempt, reports)
}

func duplicateResult(dup *dedup.DuplicateError) *Result {
	outcome := dup.Outcome
	if dup.InFlight {
		outcome = model.OutcomePending
	}
	return &Result{
		AttemptID: dup.AttemptID,
		ContentID: dup.ContentID,
		Status:    StatusDuplicate,
		Outcome:   outcome,
		Duplicate: true,
	}
}

func (o *Orchestrator) run(ctx context.Context, req model.GenerationRequest, attempt *model.GenerationAttempt, reports []model.SourceReport) (*Result, error) {
	log := zap.L().With(
		zap.String("attempt_id", attempt.ID),
		zap.String("trigger", string(attempt.Trigger)),
		zap.String("content_type", string(attempt.ContentType)),
		zap.String("target_date", attempt.TargetDate.Format(model.DateLayout)),
	)
	log.Info("pipeline: attempt started", zap.Int("reports", len(reports)))
	start := time.Now()

	// Once reserved, an attempt runs to a terminal outcome even if the caller
	// goes away; each text-generation call is bounded by its own timeout.
	bgCtx := context.WithoutCancel(ctx)

	item := &WorkItem{Attempt: attempt, Reports: reports}
	res := &Result{AttemptID: attempt.ID}
	final := model.AttemptResult{Outcome: model.OutcomePublished}

	for _, stage := range o.stages {
		if err := o.deps.Attempts.UpdateAttemptStage(bgCtx, attempt.ID, stage.Name()); err != nil {
			log.Warn("pipeline: update attempt stage failed", zap.String("stage", string(stage.Name())), zap.Error(err))
		}
		attempt.Stage = stage.Name()

		sr := o.runner.Run(bgCtx, stage, item)
		res.Entries = append(res.Entries, sr.Entries...)
		if !sr.OK() {
			final = o.exhausted(sr, item)
			break
		}
		if stage.Name() == model.StageAudit {
			if hold := o.reviewHold(item); hold != nil {
				final = *hold
				break
			}
		}
	}
	if final.Outcome == model.OutcomePublished && item.Content != nil {
		final.ContentID = item.Content.ID
		res.ContentDuplicate = item.ContentDuplicate
	}

	var finishErr error
	if err := o.deps.Attempts.FinishAttempt(bgCtx, attempt.ID, final); err != nil {
		finishErr = eris.Wrapf(err, "pipeline: finish attempt %s", attempt.ID)
		log.Error("pipeline: finish attempt failed", zap.Error(err))
	}
	attempt.Outcome = final.Outcome

	res.Outcome = final.Outcome
	res.Status = Status(final.Outcome)
	res.ContentID = final.ContentID
	if f := final.Failure; f != nil {
		res.FailedStage = f.Stage
		res.ErrorKind = f.Kind
		res.Error = f.Message
	}

	o.publishEvent(bgCtx, attempt, final)
	o.enqueueDLQ(bgCtx, req, attempt, final)

	fields := []zap.Field{
		zap.String("outcome", string(final.Outcome)),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("log_entries", len(res.Entries)),
	}
	if final.Failure != nil {
		fields = append(fields,
			zap.String("failed_stage", string(final.Failure.Stage)),
			zap.String("error_kind", string(final.Failure.Kind)),
		)
	}
	log.Info("pipeline: attempt finished", fields...)

	return res, finishErr
}

// exhausted maps a failed stage onto the attempt result its policy names.
func (o *Orchestrator) exhausted(sr StageResult, item *WorkItem) model.AttemptResult {
	policy, ok := PolicyFor(sr.Stage)
	outcome := model.OutcomeFailed
	if ok {
		outcome = policy.Exhausted
	}
	out := model.AttemptResult{
		Outcome: outcome,
		Failure: &model.AttemptFailure{
			Stage:   sr.Stage,
			Kind:    sr.Kind,
			Message: truncate(sr.Err.Error(), maxErrorDetail),
		},
	}
	if outcome == model.OutcomePendingReview {
		out.Draft = item.Draft
	}
	return out
}

// reviewHold returns a pending_review result when the audited draft must not
// be published automatically, or nil to continue to publish.
func (o *Orchestrator) reviewHold(item *WorkItem) *model.AttemptResult {
	v := item.Verdict
	if v == nil || !v.Pass {
		reason := "audit rejected the draft"
		if v != nil && len(v.Reasons) > 0 {
			reason = strings.Join(v.Reasons, "; ")
		}
		return &model.AttemptResult{
			Outcome: model.OutcomePendingReview,
			Draft:   item.Draft,
			Failure: &model.AttemptFailure{Stage: model.StageAudit, Kind: model.ErrorKindRejected, Message: reason},
		}
	}
	if !o.opts.AutoPublish {
		return &model.AttemptResult{Outcome: model.OutcomePendingReview, Draft: item.Draft}
	}
	return nil
}

func (o *Orchestrator) publishEvent(ctx context.Context, a *model.GenerationAttempt, final model.AttemptResult) {
	if o.deps.Events == nil {
		return
	}
	if err := o.deps.Events.Publish(ctx, events.Finished(a, final)); err != nil {
		zap.L().Warn("pipeline: publish event failed", zap.String("attempt_id", a.ID), zap.Error(err))
	}
}

// enqueueDLQ parks failed attempts with a transient root cause for replay.
// Replays are never re-enqueued here; the replayer reschedules its own entry.
func (o *Orchestrator) enqueueDLQ(ctx context.Context, req model.GenerationRequest, a *model.GenerationAttempt, final model.AttemptResult) {
	if o.deps.DLQ == nil || final.Outcome != model.OutcomeFailed || final.Failure == nil {
		return
	}
	if req.Trigger == model.TriggerDLQ || !resilience.ShouldEnqueue(final.Failure.Kind) {
		return
	}
	now := o.now()
	entry := resilience.DLQEntry{
		ID:           uuid.New().String(),
		Request:      req,
		AttemptID:    a.ID,
		FailedStage:  final.Failure.Stage,
		ErrorKind:    final.Failure.Kind,
		Error:        final.Failure.Message,
		MaxRetries:   o.opts.DLQMaxRetries,
		NextRetryAt:  now.Add(o.opts.DLQDelay),
		CreatedAt:    now,
		LastFailedAt: now,
	}
	retry := o.opts.Backoff
	retry.OnRetry = resilience.RetryLogger("store", "enqueue_dlq")
	err := resilience.Do(ctx, retry, func(ctx context.Context) error {
		return o.deps.DLQ.EnqueueDLQ(ctx, entry)
	})
	if err != nil {
		zap.L().Error("pipeline: enqueue dlq failed", zap.String("attempt_id", a.ID), zap.Error(err))
		return
	}
	zap.L().Info("pipeline: attempt parked in dlq",
		zap.String("attempt_id", a.ID),
		zap.String("dlq_id", entry.ID),
		zap.Time("next_retry_at", entry.NextRetryAt),
	)
}

// selectReports resolves the request's source reports and target date.
func (o *Orchestrator) selectReports(ctx context.Context, req model.GenerationRequest) ([]model.SourceReport, time.Time, error) {
	var (
		reports []model.SourceReport
		err     error
	)
	switch {
	case len(req.ReportIDs) > 0:
		reports, err = o.deps.Reports.GetReports(ctx, uniqueIDs(req.ReportIDs))
		if errors.Is(err, store.ErrNotFound) {
			return nil, time.Time{}, &resilience.InvalidInputError{Reason: err.Error()}
		}
	case !req.Date.IsZero():
		reports, err = o.deps.Reports.ListReports(ctx, store.ReportFilter{Date: model.DateOf(req.Date)})
	default:
		reports, err = o.deps.Reports.ListReports(ctx, store.ReportFilter{Limit: o.opts.RecentLimit})
		if err == nil && req.ContentType.Daily() {
			reports = onDate(reports, model.LatestDate(reports))
		}
	}
	if err != nil {
		return nil, time.Time{}, eris.Wrap(err, "pipeline: load reports")
	}

	if len(reports) == 0 {
		return nil, time.Time{}, &resilience.InvalidInputError{Reason: "no source reports"}
	}
	if req.ContentType.Daily() && !model.SameDate(reports) {
		return nil, time.Time{}, &resilience.InvalidInputError{Reason: string(req.ContentType) + " reports must share one report date"}
	}

	target := model.LatestDate(reports)
	if len(req.ReportIDs) == 0 && !req.Date.IsZero() {
		target = model.DateOf(req.Date)
	}
	return reports, target, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func onDate(reports []model.SourceReport, day time.Time) []model.SourceReport {
	key := day.Format(model.DateLayout)
	var out []model.SourceReport
	for _, r := range reports {
		if r.DateKey() == key {
			out = append(out, r)
		}
	}
	return out
}
