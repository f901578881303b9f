package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/resilience"
)

func TestScheduler_AddJobs(t *testing.T) {
	s := NewScheduler(context.Background(), time.UTC)
	require.NoError(t, s.AddSweep("0 0 21 * * *", NewSweeper(&mockGenerator{}, testCalendar(t), bothTypes)))
	require.NoError(t, s.AddReplay("0 */15 * * * *", NewReplayer(newDLQStore(t), &mockGenerator{}, resilience.RetryConfig{}), 10))
	assert.Equal(t, 2, s.Entries())

	s.Start()
	s.Stop()
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := NewScheduler(context.Background(), nil)
	err := s.AddSweep("every evening", NewSweeper(&mockGenerator{}, testCalendar(t), bothTypes))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sweep")
	assert.Zero(t, s.Entries())
}
