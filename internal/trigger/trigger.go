// Package trigger starts generation attempts: manual requests, the daily
// sweep, report-inserted webhooks and dead letter replays.
package trigger

import (
	"context"
	"strings"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/pipeline"
	"github.com/salonworks/storyline/internal/resilience"
)

// Generator runs one generation request. *pipeline.Orchestrator implements it.
type Generator interface {
	Generate(ctx context.Context, req model.GenerationRequest) (*pipeline.Result, error)
}

// ManualRequest is the body of a manual generate call.
type ManualRequest struct {
	ReportIDs   []string `json:"report_ids,omitempty"`
	ContentType string   `json:"content_type"`
}

// Request validates m and converts it to a manual GenerationRequest.
func (m ManualRequest) Request() (model.GenerationRequest, error) {
	ct := model.ContentType(strings.TrimSpace(m.ContentType))
	if ct == "" {
		ct = model.ContentTypeShortStory
	}
	if !ct.Valid() {
		return model.GenerationRequest{}, &resilience.InvalidInputError{Reason: "unknown content type " + string(ct)}
	}
	var ids []string
	for _, id := range m.ReportIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return model.GenerationRequest{ReportIDs: ids, ContentType: ct, Trigger: model.TriggerManual}, nil
}

// ParseContentTypes converts configured content type names, rejecting
// unknown ones.
func ParseContentTypes(names []string) ([]model.ContentType, error) {
	out := make([]model.ContentType, 0, len(names))
	for _, n := range names {
		ct := model.ContentType(strings.TrimSpace(n))
		if !ct.Valid() {
			return nil, resilience.NewConfigurationError("sweep.content_types", "unknown content type "+n)
		}
		out = append(out, ct)
	}
	return out, nil
}
