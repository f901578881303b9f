package trigger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

func TestParseReportInserted(t *testing.T) {
	p, err := ParseReportInserted([]byte(`{"type":"INSERT","table":"daily_reports","record":{"id":"r9","report_date":"2025-08-22","treatment_notes":"cut"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r9", p.Record.ID)

	reqs := p.Requests(bothTypes)
	require.Len(t, reqs, 2)
	for i, req := range reqs {
		assert.Equal(t, bothTypes[i], req.ContentType)
		assert.Equal(t, model.TriggerWebhook, req.Trigger)
		assert.Equal(t, model.ModeScheduled, req.Mode())
		assert.Equal(t, "2025-08-22", req.Date.Format(model.DateLayout))
	}
}

func TestParseReportInserted_Invalid(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `{`,
		"update event": `{"type":"UPDATE","table":"daily_reports","record":{"id":"r1","report_date":"2025-08-22"}}`,
		"other table":  `{"type":"INSERT","table":"content_items","record":{"id":"r1","report_date":"2025-08-22"}}`,
		"missing id":   `{"type":"INSERT","record":{"report_date":"2025-08-22"}}`,
		"bad date":     `{"type":"INSERT","record":{"id":"r1","report_date":"22/08/2025"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseReportInserted([]byte(body))
			var ie *resilience.InvalidInputError
			assert.True(t, errors.As(err, &ie))
		})
	}
}

func TestSupervisor_RunsInBackground(t *testing.T) {
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, forType(model.ContentTypeShortStory)).Return(published("a"), nil)
	gen.On("Generate", mock.Anything, forType(model.ContentTypeBlogPost)).Return(nil, errors.New("db down"))

	// The caller's context is canceled right after submitting; tasks keep going.
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSupervisor(ctx, gen, 2)
	reqs := []model.GenerationRequest{
		{ContentType: model.ContentTypeShortStory, Date: day(t, "2025-08-22"), Trigger: model.TriggerWebhook},
		{ContentType: model.ContentTypeBlogPost, Date: day(t, "2025-08-22"), Trigger: model.TriggerWebhook},
	}
	require.True(t, s.Submit(reqs))
	cancel()
	s.Wait()

	select {
	case err := <-s.Errors():
		assert.Contains(t, err.Error(), "db down")
		assert.Contains(t, err.Error(), "blog_post")
	default:
		t.Fatal("expected an error on the supervisor channel")
	}
	gen.AssertNumberOfCalls(t, "Generate", 2)
	for _, call := range gen.Calls {
		assert.NoError(t, call.Arguments.Get(0).(context.Context).Err())
	}
}

func TestSupervisor_LimitReached(t *testing.T) {
	release := make(chan struct{})
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return(published("a"), nil)

	s := NewSupervisor(context.Background(), gen, 1)
	req := []model.GenerationRequest{{ContentType: model.ContentTypeShortStory, Trigger: model.TriggerWebhook}}
	require.True(t, s.Submit(req))
	assert.False(t, s.Submit(req))

	close(release)
	s.Wait()
	assert.True(t, s.Submit(req))
	s.Wait()
}

func TestSupervisor_DrainStopsOnCancel(t *testing.T) {
	s := NewSupervisor(context.Background(), &mockGenerator{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Drain(ctx)
		close(done)
	}()
	s.report(errors.New("boom"))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Drain did not stop after cancellation")
	}
}
