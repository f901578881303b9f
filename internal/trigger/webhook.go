package trigger

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// ReportInserted is the storage insert notification posted when a staff
// report is saved.
type ReportInserted struct {
	Type   string       `json:"type"`
	Table  string       `json:"table"`
	Record ReportRecord `json:"record"`
}

// ReportRecord is the inserted row.
type ReportRecord struct {
	ID         string `json:"id"`
	ReportDate string `json:"report_date"`
}

const reportsTable = "daily_reports"

// ParseReportInserted decodes and validates a webhook body.
func ParseReportInserted(body []byte) (*ReportInserted, error) {
	var p ReportInserted
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &resilience.InvalidInputError{Reason: "webhook body is not JSON: " + err.Error()}
	}
	switch {
	case !strings.EqualFold(p.Type, "INSERT"):
		return nil, &resilience.InvalidInputError{Reason: "unsupported event type " + p.Type}
	case p.Table != "" && p.Table != reportsTable:
		return nil, &resilience.InvalidInputError{Reason: "unexpected table " + p.Table}
	case strings.TrimSpace(p.Record.ID) == "":
		return nil, &resilience.InvalidInputError{Reason: "record id is required"}
	}
	if _, err := model.ParseDate(p.Record.ReportDate); err != nil {
		return nil, &resilience.InvalidInputError{Reason: "record report_date must be YYYY-MM-DD"}
	}
	return &p, nil
}

// Requests returns one scheduled-mode request per content type for the
// inserted report's date.
func (p *ReportInserted) Requests(types []model.ContentType) []model.GenerationRequest {
	day, _ := model.ParseDate(p.Record.ReportDate)
	reqs := make([]model.GenerationRequest, 0, len(types))
	for _, ct := range types {
		reqs = append(reqs, model.GenerationRequest{ContentType: ct, Date: day, Trigger: model.TriggerWebhook})
	}
	return reqs
}

// Supervisor runs webhook-triggered generation in the background with a
// concurrency limit. Task errors go to the Errors channel instead of the
// caller, who has already been answered.
type Supervisor struct {
	gen   Generator
	base  context.Context
	group errgroup.Group
	errs  chan error
}

// NewSupervisor creates a Supervisor. Tasks run on a context detached from
// ctx's cancellation so that a server shutdown does not abort a stage
// midway; Wait lets them finish.
func NewSupervisor(ctx context.Context, gen Generator, limit int) *Supervisor {
	if limit <= 0 {
		limit = 1
	}
	s := &Supervisor{
		gen:  gen,
		base: context.WithoutCancel(ctx),
		errs: make(chan error, 64),
	}
	s.group.SetLimit(limit)
	return s
}

// Submit starts reqs as one background task, run in order. It returns false
// without starting anything when the concurrency limit is reached.
func (s *Supervisor) Submit(reqs []model.GenerationRequest) bool {
	return s.group.TryGo(func() error {
		for _, req := range reqs {
			res, err := s.gen.Generate(s.base, req)
			if err != nil {
				s.report(eris.Wrapf(err, "trigger: webhook %s %s", req.ContentType, req.Date.Format(model.DateLayout)))
				continue
			}
			zap.L().Info("trigger: webhook generation finished",
				zap.String("content_type", string(req.ContentType)),
				zap.String("date", req.Date.Format(model.DateLayout)),
				zap.String("status", string(res.Status)),
				zap.String("attempt_id", res.AttemptID),
			)
		}
		return nil
	})
}

func (s *Supervisor) report(err error) {
	select {
	case s.errs <- err:
	default:
		zap.L().Error("trigger: webhook error channel full, dropping error", zap.Error(err))
	}
}

// Errors delivers background task failures.
func (s *Supervisor) Errors() <-chan error {
	return s.errs
}

// Drain logs background task failures until ctx is done.
func (s *Supervisor) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-s.errs:
			zap.L().Error("trigger: webhook task failed", zap.Error(err))
		}
	}
}

// Wait blocks until every submitted task has finished.
func (s *Supervisor) Wait() {
	_ = s.group.Wait()
}
