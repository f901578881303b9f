package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/textgen"
)

// DraftStage writes the title, body and summary from the sanitized text.
type DraftStage struct {
	gen textgen.Generator
}

func (s *DraftStage) Name() model.Stage { return model.StageDraft }

func (s *DraftStage) Run(ctx context.Context, item *WorkItem) error {
	if item.Sanitized == "" {
		return &resilience.InvalidInputError{Reason: "draft needs sanitized text"}
	}
	ct := item.Attempt.ContentType
	text, err := s.gen.Generate(ctx, textgen.Prompt{
		Stage:  string(model.StageDraft),
		System: draftSystemPrompt(ct),
		User:   draftPrompt(ct, item.Reports, item.Sanitized),
	})
	if err != nil {
		return err
	}

	d, err := decodeDraft(text)
	if err != nil {
		return err
	}
	item.Draft = d
	return nil
}

func decodeDraft(text string) (*model.Draft, error) {
	var d model.Draft
	if err := textgen.DecodeJSON(text, &d); err != nil {
		return nil, err
	}
	d = trimDraft(d)
	if d.Empty() {
		return nil, resilience.NewMalformedOutputError(eris.New("pipeline: draft is missing title or body"), text)
	}
	return &d, nil
}

func trimDraft(d model.Draft) model.Draft {
	return model.Draft{
		Title:   strings.TrimSpace(d.Title),
		Body:    strings.TrimSpace(d.Body),
		Summary: strings.TrimSpace(d.Summary),
	}
}
