// Package pipeline turns source reports into content through the sanitize,
// draft, audit and publish stages, recording every stage try.
package pipeline

import (
	"context"
	"time"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// StagePolicy bounds how a stage is retried and what its exhaustion means for
// the attempt.
type StagePolicy struct {
	Stage    model.Stage
	MaxTries int
	// RetryOn decides whether a failed try is re-run.
	RetryOn func(err error) bool
	// Exhausted is the attempt outcome when the stage gives up.
	Exhausted model.Outcome
}

func retryGeneration(err error) bool {
	return resilience.IsTransient(err) || resilience.IsMalformed(err)
}

// Policies is the stage table. Execution order is model.Stages.
var Policies = map[model.Stage]StagePolicy{
	model.StageSanitize: {MaxTries: 3, RetryOn: retryGeneration, Exhausted: model.OutcomeFailed},
	model.StageDraft:    {MaxTries: 2, RetryOn: retryGeneration, Exhausted: model.OutcomeFailed},
	model.StageAudit:    {MaxTries: 2, RetryOn: retryGeneration, Exhausted: model.OutcomePendingReview},
	model.StagePublish:  {MaxTries: 3, RetryOn: resilience.IsTransient, Exhausted: model.OutcomeFailed},
}

// PolicyFor returns the table row for stage.
func PolicyFor(stage model.Stage) (StagePolicy, bool) {
	p, ok := Policies[stage]
	p.Stage = stage
	return p, ok
}

// Verdict is the audit stage's decision on a draft.
type Verdict struct {
	Pass    bool     `json:"pass"`
	Reasons []string `json:"reasons,omitempty"`
	Revised bool     `json:"revised"`
}

// WorkItem carries one attempt's data between stages. Each stage reads the
// fields filled by earlier stages and sets its own outputs; a retried try
// overwrites what the failed try left behind.
type WorkItem struct {
	Attempt *model.GenerationAttempt
	Reports []model.SourceReport

	// sanitize
	Sanitized string
	// Risk is the model's residual PII score after local masking.
	Risk float64

	// draft, possibly replaced by audit's revision
	Draft *model.Draft

	// audit
	Verdict *Verdict

	// publish
	Content          *model.ContentItem
	ContentDuplicate bool
}

// Stage is one step of a generation attempt. Run must be safe to call again
// after a failed try.
type Stage interface {
	Name() model.Stage
	Run(ctx context.Context, item *WorkItem) error
}

// StageResult is the runner's account of one stage.
type StageResult struct {
	Stage   model.Stage
	Status  model.StageStatus
	Tries   int
	Elapsed time.Duration
	Err     error
	Kind    model.ErrorKind
	Entries []model.StageLogEntry
}

// OK reports whether the stage succeeded.
func (r StageResult) OK() bool {
	return r.Status == model.StageStatusSuccess
}
