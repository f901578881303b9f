package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/calendar"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

var bothTypes = []model.ContentType{model.ContentTypeShortStory, model.ContentTypeBlogPost}

func TestRunDailySweep_SkipsSunday(t *testing.T) {
	gen := &mockGenerator{}
	s := NewSweeper(gen, testCalendar(t), bothTypes)

	res, err := s.RunDailySweep(context.Background(), day(t, "2025-08-24").Add(21*time.Hour))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "2025-08-24", res.Date.Format(model.DateLayout))
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRunDailySweep_SkipsHoliday(t *testing.T) {
	gen := &mockGenerator{}
	res, err := NewSweeper(gen, testCalendar(t), bothTypes).RunDailySweep(context.Background(), day(t, "2025-08-13"))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
}

func TestRunDailySweep_GeneratesEachType(t *testing.T) {
	gen := &mockGenerator{}
	friday := day(t, "2025-08-22")
	for _, ct := range bothTypes {
		gen.On("Generate", mock.Anything, model.GenerationRequest{
			ContentType: ct,
			Date:        friday,
			Trigger:     model.TriggerSchedule,
		}).Return(published(string(ct)), nil).Once()
	}

	res, err := NewSweeper(gen, testCalendar(t), bothTypes).RunDailySweep(context.Background(), friday.Add(21*time.Hour))
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "c-blog_post", res.Results[model.ContentTypeBlogPost].ContentID)
	gen.AssertExpectations(t)
}

func TestRunDailySweep_NoReportsIsNotAnError(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, forType(model.ContentTypeShortStory)).
		Return(nil, &resilience.InvalidInputError{Reason: "no source reports"})
	gen.On("Generate", mock.Anything, forType(model.ContentTypeBlogPost)).
		Return(nil, &resilience.InvalidInputError{Reason: "no source reports"})

	res, err := NewSweeper(gen, testCalendar(t), bothTypes).RunDailySweep(context.Background(), day(t, "2025-08-22"))
	require.NoError(t, err)
	assert.ElementsMatch(t, bothTypes, res.NoReports)
	assert.Empty(t, res.Results)
}

func TestRunDailySweep_OneTypeFailing(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, forType(model.ContentTypeShortStory)).Return(published("s"), nil)
	gen.On("Generate", mock.Anything, forType(model.ContentTypeBlogPost)).Return(nil, errors.New("store unavailable"))

	res, err := NewSweeper(gen, testCalendar(t), bothTypes).RunDailySweep(context.Background(), day(t, "2025-08-22"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Contains(t, res.Results, model.ContentTypeShortStory)
}

func TestRunDailySweep_UsesCalendarZone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(req model.GenerationRequest) bool {
		return req.Date.Format(model.DateLayout) == "2025-08-22"
	})).Return(published("x"), nil)

	tokyoCal, err := calendar.New(tokyo, nil, nil)
	require.NoError(t, err)
	// 2025-08-21 16:00 UTC is Friday 01:00 in Tokyo.
	now := time.Date(2025, 8, 21, 16, 0, 0, 0, time.UTC)
	res, err := NewSweeper(gen, tokyoCal, []model.ContentType{model.ContentTypeShortStory}).RunDailySweep(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, "2025-08-22", res.Date.Format(model.DateLayout))
}

func TestRunDailySweep_RequiresCalendar(t *testing.T) {
	_, err := NewSweeper(&mockGenerator{}, nil, bothTypes).RunDailySweep(context.Background(), time.Now())
	assert.True(t, resilience.IsConfiguration(err))
}

func TestParseContentTypes(t *testing.T) {
	got, err := ParseContentTypes([]string{"short_story", " blog_post "})
	require.NoError(t, err)
	assert.Equal(t, bothTypes, got)

	_, err = ParseContentTypes([]string{"poem"})
	assert.True(t, resilience.IsConfiguration(err))
}

func TestManualRequest(t *testing.T) {
	req, err := ManualRequest{ReportIDs: []string{" r1 ", ""}, ContentType: "blog_post"}.Request()
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, req.ReportIDs)
	assert.Equal(t, model.TriggerManual, req.Trigger)
	assert.Equal(t, model.ModeAdhoc, req.Mode())

	req, err = ManualRequest{}.Request()
	require.NoError(t, err)
	assert.Equal(t, model.ContentTypeShortStory, req.ContentType)
	assert.Equal(t, model.ModeScheduled, req.Mode())

	_, err = ManualRequest{ContentType: "poem"}.Request()
	var ie *resilience.InvalidInputError
	assert.True(t, errors.As(err, &ie))
}
