package monitoring

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

func TestSummarize(t *testing.T) {
	entries := []model.StageLogEntry{
		{Stage: model.StageSanitize, Status: model.StageStatusSuccess, ElapsedMs: 100},
		{Stage: model.StageDraft, Status: model.StageStatusRetry, ElapsedMs: 200},
		{Stage: model.StageDraft, Status: model.StageStatusError, ElapsedMs: 300},
	}
	before := append([]model.StageLogEntry(nil), entries...)

	s := Summarize(entries)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 200.0, s.AverageElapsedMs)
	assert.Equal(t, map[model.StageStatus]int{
		model.StageStatusSuccess: 1,
		model.StageStatusRetry:   1,
		model.StageStatusError:   1,
	}, s.ByStatus)
	assert.Equal(t, map[model.Stage]int{model.StageSanitize: 1, model.StageDraft: 2}, s.ByStage)
	assert.Equal(t, before, entries)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.AverageElapsedMs)
	assert.Empty(t, s.ByStatus)
}

func TestGetLogs(t *testing.T) {
	src := &fakeSource{entries: []model.StageLogEntry{
		{AttemptID: "a1", Stage: model.StageSanitize, Status: model.StageStatusSuccess, ElapsedMs: 120},
	}}

	view, err := GetLogs(context.Background(), src, store.LogFilter{AttemptID: "a1"})
	require.NoError(t, err)
	assert.Len(t, view.Entries, 1)
	assert.Equal(t, 120.0, view.Summary.AverageElapsedMs)
}

func TestGetLogs_EmptyIsNotNil(t *testing.T) {
	view, err := GetLogs(context.Background(), &fakeSource{}, store.LogFilter{})
	require.NoError(t, err)
	assert.NotNil(t, view.Entries)
	assert.Zero(t, view.Summary.AverageElapsedMs)
}

func TestGetLogs_RejectsUnknownFilters(t *testing.T) {
	_, err := GetLogs(context.Background(), &fakeSource{}, store.LogFilter{Stage: "render"})
	assert.Equal(t, model.ErrorKindInvalidInput, resilience.Kind(err))
	_, err = GetLogs(context.Background(), &fakeSource{}, store.LogFilter{Status: "done"})
	assert.Equal(t, model.ErrorKindInvalidInput, resilience.Kind(err))

	_, err = GetLogs(context.Background(), &fakeSource{logErr: errors.New("timeout")}, store.LogFilter{})
	assert.Error(t, err)
}
