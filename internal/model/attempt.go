package model

import "time"

// ContentType is the kind of artifact a generation attempt produces.
type ContentType string

const (
	ContentTypeShortStory ContentType = "short_story"
	ContentTypeBlogPost   ContentType = "blog_post"
)

// Valid reports whether c is a known content type.
func (c ContentType) Valid() bool {
	switch c {
	case ContentTypeShortStory, ContentTypeBlogPost:
		return true
	default:
		return false
	}
}

// Daily reports whether the content type is produced once per business day
// from that day's reports. Daily content never mixes report dates.
func (c ContentType) Daily() bool {
	return c == ContentTypeShortStory
}

// Outcome is the overall state of a generation attempt.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomePublished     Outcome = "published"
	OutcomePendingReview Outcome = "pending_review"
	OutcomeFailed        Outcome = "failed"
)

// Terminal reports whether no further automatic work happens for the attempt.
func (o Outcome) Terminal() bool {
	return o == OutcomePublished || o == OutcomePendingReview || o == OutcomeFailed
}

// TriggerSource identifies what started an attempt.
type TriggerSource string

const (
	TriggerManual   TriggerSource = "manual"
	TriggerSchedule TriggerSource = "schedule"
	TriggerWebhook  TriggerSource = "webhook"
	TriggerDLQ      TriggerSource = "dlq"
)

// FingerprintMode selects how an attempt's dedup fingerprint is derived.
type FingerprintMode string

const (
	// ModeScheduled keys on (target date, content type).
	ModeScheduled FingerprintMode = "scheduled"
	// ModeAdhoc keys on the sorted source report ID set and content type.
	ModeAdhoc FingerprintMode = "adhoc"
)

// GenerationAttempt is one run of the pipeline for a set of source reports.
type GenerationAttempt struct {
	ID              string          `json:"id"`
	Fingerprint     string          `json:"fingerprint"`
	Trigger         TriggerSource   `json:"trigger"`
	Mode            FingerprintMode `json:"mode"`
	ContentType     ContentType     `json:"content_type"`
	TargetDate      time.Time       `json:"target_date"`
	SourceReportIDs []string        `json:"source_report_ids"`
	Stage           Stage           `json:"stage"`
	Outcome         Outcome         `json:"outcome"`
	ContentID       string          `json:"content_id,omitempty"`
	Draft           *Draft          `json:"draft,omitempty"`
	Failure         *AttemptFailure `json:"failure,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// AttemptFailure describes why an attempt ended in failed or pending_review.
type AttemptFailure struct {
	Stage   Stage     `json:"stage"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AttemptResult is the terminal state written when an attempt finishes.
type AttemptResult struct {
	Outcome   Outcome         `json:"outcome"`
	ContentID string          `json:"content_id,omitempty"`
	Draft     *Draft          `json:"draft,omitempty"`
	Failure   *AttemptFailure `json:"failure,omitempty"`
}

// Draft is the structured output of the draft stage, possibly revised by audit.
type Draft struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Summary string `json:"summary"`
}

// Empty reports whether the draft is missing its title or body.
func (d *Draft) Empty() bool {
	return d == nil || d.Title == "" || d.Body == ""
}

// GenerationRequest is what a trigger hands to the orchestrator. ReportIDs is
// empty when the orchestrator should select reports itself: the reports of
// Date for scheduled triggers, or the most recent reports for manual ones.
type GenerationRequest struct {
	ReportIDs   []string      `json:"report_ids,omitempty"`
	ContentType ContentType   `json:"content_type"`
	Date        time.Time     `json:"date,omitempty"`
	Trigger     TriggerSource `json:"trigger"`
}

// Mode returns the fingerprint mode the request is deduplicated under.
func (r GenerationRequest) Mode() FingerprintMode {
	if len(r.ReportIDs) > 0 {
		return ModeAdhoc
	}
	return ModeScheduled
}
