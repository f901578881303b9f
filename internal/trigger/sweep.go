package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/salonworks/storyline/internal/calendar"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/pipeline"
	"github.com/salonworks/storyline/internal/resilience"
)

// SweepResult reports what one daily sweep did.
type SweepResult struct {
	Date      time.Time                              `json:"date"`
	Skipped   bool                                   `json:"skipped"`
	Reason    string                                 `json:"reason,omitempty"`
	Results   map[model.ContentType]*pipeline.Result `json:"results,omitempty"`
	// NoReports lists content types left alone because the day has no reports.
	NoReports []model.ContentType                    `json:"no_reports,omitempty"`
}

// Sweeper runs the scheduled generation for one business day.
type Sweeper struct {
	gen   Generator
	cal   *calendar.Calendar
	types []model.ContentType
}

// NewSweeper creates a Sweeper generating types for each business day.
func NewSweeper(gen Generator, cal *calendar.Calendar, types []model.ContentType) *Sweeper {
	return &Sweeper{gen: gen, cal: cal, types: types}
}

// RunDailySweep generates every configured content type from the reports of
// now's calendar day. Non-business days are skipped without touching the
// pipeline. Content types run concurrently; one type failing does not stop
// the others.
func (s *Sweeper) RunDailySweep(ctx context.Context, now time.Time) (*SweepResult, error) {
	if s.cal == nil {
		return nil, resilience.NewConfigurationError("calendar", "sweep needs a business-day calendar")
	}
	day := model.DateOf(s.cal.Day(now))
	res := &SweepResult{Date: day, Results: make(map[model.ContentType]*pipeline.Result)}
	log := zap.L().With(zap.String("date", day.Format(model.DateLayout)))

	if !s.cal.IsBusinessDay(now) {
		res.Skipped = true
		res.Reason = "not a business day"
		log.Info("trigger: sweep skipped", zap.String("reason", res.Reason))
		return res, nil
	}

	var (
		mu   sync.Mutex
		g    errgroup.Group
		errs []error
	)
	for _, ct := range s.types {
		g.Go(func() error {
			r, err := s.gen.Generate(ctx, model.GenerationRequest{
				ContentType: ct,
				Date:        day,
				Trigger:     model.TriggerSchedule,
			})
			mu.Lock()
			defer mu.Unlock()
			var ie *resilience.InvalidInputError
			switch {
			case errors.As(err, &ie):
				res.NoReports = append(res.NoReports, ct)
				log.Info("trigger: sweep found nothing to generate", zap.String("content_type", string(ct)), zap.String("reason", ie.Reason))
			case err != nil:
				errs = append(errs, eris.Wrapf(err, "trigger: sweep %s", ct))
			default:
				res.Results[ct] = r
				log.Info("trigger: sweep generated",
					zap.String("content_type", string(ct)),
					zap.String("status", string(r.Status)),
					zap.String("attempt_id", r.AttemptID),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return res, errors.Join(errs...)
}
