// Package events publishes generation lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/salonworks/storyline/internal/model"
)

// TypeGenerationFinished is emitted once per attempt that ran its stages.
const TypeGenerationFinished = "generation.finished"

// Event is the JSON payload written to the topic.
type Event struct {
	ID          string              `json:"id"`
	Type        string              `json:"type"`
	AttemptID   string              `json:"attempt_id"`
	Fingerprint string              `json:"fingerprint"`
	Trigger     model.TriggerSource `json:"trigger"`
	ContentType model.ContentType   `json:"content_type"`
	TargetDate  string              `json:"target_date"`
	Outcome     model.Outcome       `json:"outcome"`
	ContentID   string              `json:"content_id,omitempty"`
	FailedStage model.Stage         `json:"failed_stage,omitempty"`
	ErrorKind   model.ErrorKind     `json:"error_kind,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// Finished builds the generation.finished event for a completed attempt.
func Finished(a *model.GenerationAttempt, res model.AttemptResult) Event {
	ev := Event{
		ID:          uuid.New().String(),
		Type:        TypeGenerationFinished,
		AttemptID:   a.ID,
		Fingerprint: a.Fingerprint,
		Trigger:     a.Trigger,
		ContentType: a.ContentType,
		TargetDate:  a.TargetDate.Format(model.DateLayout),
		Outcome:     res.Outcome,
		ContentID:   res.ContentID,
		Timestamp:   time.Now().UTC(),
	}
	if res.Failure != nil {
		ev.FailedStage = res.Failure.Stage
		ev.ErrorKind = res.Failure.Kind
	}
	return ev
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to one topic, keyed by fingerprint so that
// events for the same work land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a synchronous publisher for brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "events: marshal")
	}
	msg := kafka.Message{
		Key:   []byte(ev.Fingerprint),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "events: write %s", ev.Type)
	}
	zap.L().Debug("events: published",
		zap.String("type", ev.Type),
		zap.String("attempt_id", ev.AttemptID),
		zap.String("topic", p.topic),
	)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return eris.Wrap(p.writer.Close(), "events: close writer")
}

// Nop discards every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                          { return nil }
