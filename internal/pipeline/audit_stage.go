package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/textgen"
)

// AuditStage asks the model for a pass/fail verdict on the draft. A revision
// returned with the verdict replaces the draft.
type AuditStage struct {
	gen textgen.Generator
}

type auditOutput struct {
	Pass    *bool        `json:"pass"`
	Reasons []string     `json:"reasons"`
	Revised *model.Draft `json:"revised"`
}

func (s *AuditStage) Name() model.Stage { return model.StageAudit }

func (s *AuditStage) Run(ctx context.Context, item *WorkItem) error {
	if item.Draft.Empty() {
		return &resilience.InvalidInputError{Reason: "audit needs a draft"}
	}
	text, err := s.gen.Generate(ctx, textgen.Prompt{
		Stage:  string(model.StageAudit),
		System: auditSystemPrompt,
		User:   auditPrompt(item.Sanitized, item.Draft),
	})
	if err != nil {
		return err
	}

	var out auditOutput
	if err := textgen.DecodeJSON(text, &out); err != nil {
		return err
	}
	if out.Pass == nil {
		return resilience.NewMalformedOutputError(eris.New("pipeline: audit verdict has no pass field"), text)
	}

	v := &Verdict{Pass: *out.Pass, Reasons: out.Reasons}
	if out.Revised != nil {
		if revised := trimDraft(*out.Revised); !revised.Empty() {
			item.Draft = &revised
			v.Revised = true
		}
	}
	item.Verdict = v
	return nil
}
