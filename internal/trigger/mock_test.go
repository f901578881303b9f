package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/calendar"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/pipeline"
)

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, req model.GenerationRequest) (*pipeline.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func forType(ct model.ContentType) any {
	return mock.MatchedBy(func(req model.GenerationRequest) bool { return req.ContentType == ct })
}

func published(id string) *pipeline.Result {
	return &pipeline.Result{AttemptID: id, ContentID: "c-" + id, Status: pipeline.StatusPublished, Outcome: model.OutcomePublished}
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := model.ParseDate(s)
	require.NoError(t, err)
	return d
}

func testCalendar(t *testing.T) *calendar.Calendar {
	t.Helper()
	c, err := calendar.New(time.UTC, []string{"01-01"}, []string{"2025-08-13"})
	require.NoError(t, err)
	return c
}
