package pipeline

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
	"github.com/salonworks/storyline/internal/store"
)

// PublishStage persists the audited draft as a published content item. An
// item already stored under the attempt's fingerprint counts as success.
type PublishStage struct {
	content store.ContentStore
}

func (s *PublishStage) Name() model.Stage { return model.StagePublish }

func (s *PublishStage) Run(ctx context.Context, item *WorkItem) error {
	if item.Draft.Empty() {
		return &resilience.InvalidInputError{Reason: "publish needs a draft"}
	}
	if len(item.Attempt.SourceReportIDs) == 0 {
		return &resilience.InvalidInputError{Reason: "content needs at least one source report"}
	}
	a := item.Attempt
	c := &model.ContentItem{
		ID:              uuid.New().String(),
		Fingerprint:     a.Fingerprint,
		AttemptID:       a.ID,
		ContentType:     a.ContentType,
		Title:           item.Draft.Title,
		Body:            item.Draft.Body,
		Summary:         item.Draft.Summary,
		SourceReportIDs: a.SourceReportIDs,
		TargetDate:      a.TargetDate,
		Status:          model.ContentStatusPublished,
	}

	stored, err := s.content.InsertContentIfAbsent(ctx, c)
	var cv *resilience.ConstraintViolation
	switch {
	case errors.As(err, &cv):
		zap.L().Info("pipeline: content already published for fingerprint",
			zap.String("attempt_id", a.ID),
			zap.String("content_id", stored.ID),
		)
		item.Content = stored
		item.ContentDuplicate = true
		return nil
	case err != nil:
		return eris.Wrap(err, "pipeline: insert content")
	}
	item.Content = stored
	item.ContentDuplicate = false
	return nil
}
