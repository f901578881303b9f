package trigger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs the daily sweep and dead letter replays on cron schedules.
// Specs have six fields, seconds first, and are read in the calendar zone.
type Scheduler struct {
	cron *cron.Cron
	base context.Context
}

// NewScheduler creates a stopped scheduler. Jobs run on a context derived
// from ctx without its cancellation.
func NewScheduler(ctx context.Context, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{cron: cron.NewWithLocation(loc), base: context.WithoutCancel(ctx)}
}

// AddSweep schedules s.RunDailySweep.
func (s *Scheduler) AddSweep(spec string, sw *Sweeper) error {
	return s.add("sweep", spec, func(ctx context.Context) {
		res, err := sw.RunDailySweep(ctx, time.Now())
		if err != nil {
			zap.L().Error("trigger: scheduled sweep failed", zap.Error(err))
			return
		}
		zap.L().Info("trigger: scheduled sweep done",
			zap.Time("date", res.Date),
			zap.Bool("skipped", res.Skipped),
			zap.Int("generated", len(res.Results)),
		)
	})
}

// AddReplay schedules r.ReplayDue.
func (s *Scheduler) AddReplay(spec string, r *Replayer, limit int) error {
	return s.add("dlq-replay", spec, func(ctx context.Context) {
		stats, err := r.ReplayDue(ctx, limit)
		if err != nil {
			zap.L().Error("trigger: scheduled dlq replay failed", zap.Error(err))
			return
		}
		if stats.Due > 0 {
			zap.L().Info("trigger: scheduled dlq replay done", zap.Any("stats", stats))
		}
	})
}

// add registers job under name. A run still in progress when the next one
// is due causes that next run to be skipped.
func (s *Scheduler) add(name, spec string, job func(ctx context.Context)) error {
	var running atomic.Bool
	err := s.cron.AddFunc(spec, func() {
		if !running.CompareAndSwap(false, true) {
			zap.L().Warn("trigger: previous run still in progress, skipping", zap.String("job", name))
			return
		}
		defer running.Store(false)
		job(s.base)
	})
	return eris.Wrapf(err, "trigger: schedule %s %q", name, spec)
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule. Jobs already running are not interrupted.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}

// Entries reports the number of scheduled jobs.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
