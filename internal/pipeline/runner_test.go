package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
)

// scriptedStage returns the scripted errors in order, then succeeds.
type scriptedStage struct {
	name  model.Stage
	errs  []error
	calls int
}

func (s *scriptedStage) Name() model.Stage { return s.name }

func (s *scriptedStage) Run(context.Context, *WorkItem) error {
	s.calls++
	if s.calls <= len(s.errs) {
		return s.errs[s.calls-1]
	}
	return nil
}

func testItem() *WorkItem {
	return &WorkItem{Attempt: &model.GenerationAttempt{ID: "att-1", ContentType: model.ContentTypeShortStory}}
}

func TestPolicies(t *testing.T) {
	require.Len(t, Policies, len(model.Stages))
	for _, stage := range model.Stages {
		p, ok := PolicyFor(stage)
		require.True(t, ok, stage)
		assert.Equal(t, stage, p.Stage)
	}

	tests := []struct {
		stage     model.Stage
		tries     int
		exhausted model.Outcome
		malformed bool
	}{
		{model.StageSanitize, 3, model.OutcomeFailed, true},
		{model.StageDraft, 2, model.OutcomeFailed, true},
		{model.StageAudit, 2, model.OutcomePendingReview, true},
		{model.StagePublish, 3, model.OutcomeFailed, false},
	}
	malformed := resilience.NewMalformedOutputError(errors.New("bad json"), "{")
	transient := resilience.NewTransientError(errors.New("503"), 503)
	for _, tt := range tests {
		p, ok := PolicyFor(tt.stage)
		require.True(t, ok)
		assert.Equal(t, tt.tries, p.MaxTries, tt.stage)
		assert.Equal(t, tt.exhausted, p.Exhausted, tt.stage)
		assert.Equal(t, tt.malformed, p.RetryOn(malformed), tt.stage)
		assert.True(t, p.RetryOn(transient), tt.stage)
		assert.False(t, p.RetryOn(&resilience.InvalidInputError{Reason: "empty"}), tt.stage)
	}

	_, ok := PolicyFor("render")
	assert.False(t, ok)
}

func TestRunner_LogsEveryTry(t *testing.T) {
	env := newTestEnv(t)
	r := NewRunner(env.store, fastBackoff())
	stage := &scriptedStage{name: model.StageSanitize, errs: []error{
		resilience.NewTransientError(errors.New("timeout"), 0),
		resilience.NewMalformedOutputError(errors.New("bad json"), "{"),
	}}

	res := r.Run(context.Background(), stage, testItem())
	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Tries)
	assert.Equal(t, []string{"sanitize:retry", "sanitize:retry", "sanitize:success"}, stagesOf(res.Entries))
	assert.Equal(t, model.ErrorKindTransient, res.Entries[0].ErrorKind)
	assert.Equal(t, model.ErrorKindMalformed, res.Entries[1].ErrorKind)
	assert.Empty(t, res.Entries[2].ErrorKind)
	for i, e := range res.Entries {
		assert.Equal(t, i+1, e.Try)
		assert.Equal(t, 1, e.Seq)
		assert.Equal(t, "att-1", e.AttemptID)
	}

	logged, err := env.store.QueryStageLogs(context.Background(), store.LogFilter{AttemptID: "att-1"})
	require.NoError(t, err)
	assert.Equal(t, stagesOf(res.Entries), stagesOf(logged))
}

func TestRunner_NonRetryableStopsAtOnce(t *testing.T) {
	env := newTestEnv(t)
	r := NewRunner(env.store, fastBackoff())
	stage := &scriptedStage{name: model.StagePublish, errs: []error{
		resilience.NewMalformedOutputError(errors.New("bad"), ""),
	}}

	res := r.Run(context.Background(), stage, testItem())
	assert.False(t, res.OK())
	assert.Equal(t, 1, stage.calls)
	assert.Equal(t, model.ErrorKindMalformed, res.Kind)
	assert.Equal(t, []string{"publish:error"}, stagesOf(res.Entries))
}

func TestRunner_ExhaustsPolicy(t *testing.T) {
	env := newTestEnv(t)
	r := NewRunner(env.store, fastBackoff())
	boom := resilience.NewTransientError(errors.New("overloaded"), 529)
	stage := &scriptedStage{name: model.StageDraft, errs: []error{boom, boom, boom}}

	res := r.Run(context.Background(), stage, testItem())
	assert.False(t, res.OK())
	assert.Equal(t, 2, stage.calls)
	assert.Equal(t, []string{"draft:retry", "draft:error"}, stagesOf(res.Entries))
	assert.Contains(t, res.Entries[1].Error, "overloaded")
}

func TestRunner_LogFailureDoesNotFailStage(t *testing.T) {
	r := NewRunner(failingLogStore{}, fastBackoff())
	res := r.Run(context.Background(), &scriptedStage{name: model.StageAudit}, testItem())
	assert.True(t, res.OK())
	assert.Len(t, res.Entries, 1)
}

// The orchestrator hands stages a non-cancelable context; a Runner given a
// done context directly stops retrying but still records the try.
func TestRunner_DoneContextRecordsTryWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	r := NewRunner(env.store, fastBackoff())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stage := &scriptedStage{name: model.StageSanitize, errs: []error{
		resilience.NewTransientError(context.Canceled, 0),
	}}

	res := r.Run(ctx, stage, testItem())
	assert.False(t, res.OK())
	assert.Equal(t, 1, stage.calls)
	assert.Equal(t, []string{"sanitize:error"}, stagesOf(res.Entries))

	// Entries still land although the caller is gone.
	logged, err := env.store.QueryStageLogs(context.Background(), store.LogFilter{AttemptID: "att-1"})
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc…", truncate("abcdef", 3))
	// Never splits a multi-byte rune.
	assert.Equal(t, "カ…", truncate("カット", 4))
}
