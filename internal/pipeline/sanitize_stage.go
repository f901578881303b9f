package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/sanitize"
	"github.com/salonworks/storyline/internal/textgen"
)

// SanitizeStage cleans and masks the reports locally, then asks the model to
// redact what the rules missed and score the residual PII risk.
type SanitizeStage struct {
	gen     textgen.Generator
	masker  *sanitize.Masker
	maxRisk float64
}

type sanitizeOutput struct {
	Redacted string   `json:"redacted"`
	Risk     *float64 `json:"risk"`
}

func (s *SanitizeStage) Name() model.Stage { return model.StageSanitize }

func (s *SanitizeStage) Run(ctx context.Context, item *WorkItem) error {
	prepared, err := sanitize.Prepare(item.Reports, s.masker)
	if err != nil {
		return &resilience.InvalidInputError{Reason: err.Error()}
	}
	if prepared.Text == "" {
		return &resilience.InvalidInputError{Reason: "reports contain no text after cleaning"}
	}
	if len(prepared.Findings) > 0 {
		zap.L().Info("pipeline: masked pii before model call",
			zap.String("attempt_id", item.Attempt.ID),
			zap.Any("findings", prepared.Findings),
			zap.Float64("masked_severity", prepared.Risk),
		)
	}

	text, err := s.gen.Generate(ctx, textgen.Prompt{
		Stage:  string(model.StageSanitize),
		System: sanitizeSystemPrompt,
		User:   sanitizePrompt(prepared.Text, len(item.Reports)),
	})
	if err != nil {
		return err
	}

	var out sanitizeOutput
	if err := textgen.DecodeJSON(text, &out); err != nil {
		return err
	}
	out.Redacted = strings.TrimSpace(out.Redacted)
	switch {
	case out.Redacted == "":
		return resilience.NewMalformedOutputError(eris.New("pipeline: sanitize returned empty text"), text)
	case out.Risk == nil || *out.Risk < 0 || *out.Risk > 1:
		return resilience.NewMalformedOutputError(eris.New("pipeline: sanitize risk missing or outside [0, 1]"), text)
	}

	item.Sanitized = out.Redacted
	item.Risk = *out.Risk
	if s.maxRisk > 0 && item.Risk > s.maxRisk {
		return &resilience.RejectedError{
			Stage:  model.StageSanitize,
			Reason: fmt.Sprintf("residual pii risk %.2f above %.2f", item.Risk, s.maxRisk),
		}
	}
	return nil
}
