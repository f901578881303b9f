package model

import "time"

// ContentStatus is the lifecycle state of a generated content item.
type ContentStatus string

const (
	ContentStatusDraft         ContentStatus = "draft"
	ContentStatusPendingReview ContentStatus = "pending_review"
	ContentStatusPublished     ContentStatus = "published"
)

// ContentItem is a persisted short story or blog post.
type ContentItem struct {
	ID              string        `json:"id"`
	Fingerprint     string        `json:"fingerprint"`
	AttemptID       string        `json:"attempt_id"`
	ContentType     ContentType   `json:"content_type"`
	Title           string        `json:"title"`
	Body            string        `json:"body"`
	Summary         string        `json:"summary"`
	SourceReportIDs []string      `json:"source_report_ids"`
	TargetDate      time.Time     `json:"target_date"`
	Status          ContentStatus `json:"status"`
	Featured        bool          `json:"featured"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
