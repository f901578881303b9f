package store

import (
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// dialect captures how each backend binds placeholders, dates and times.
type dialect struct {
	sq   sq.StatementBuilderType
	date func(time.Time) any
	ts   func(time.Time) any
}

var postgresDialect = dialect{
	sq:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	date: func(t time.Time) any { return model.DateOf(t) },
	ts:   func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	sq:   sq.StatementBuilder.PlaceholderFormat(sq.Question),
	date: func(t time.Time) any { return t.Format(model.DateLayout) },
	ts:   func(t time.Time) any { return formatTS(t) },
}

// tsLayout is fixed width so text timestamps sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

const reportColumns = "id, report_date, staff_name, customer_context, treatment_notes, reflections, created_at"

const attemptColumns = "id, fingerprint, trigger_source, mode, content_type, target_date, source_report_ids, stage, outcome, " +
	"content_id, draft, failure_stage, failure_kind, failure_message, created_at, updated_at"

const contentColumns = "id, fingerprint, attempt_id, content_type, title, body, summary, source_report_ids, " +
	"target_date, status, featured, created_at, updated_at"

const logColumns = "id, attempt_id, stage, seq, try, status, elapsed_ms, error_kind, error, created_at"

const dlqColumns = "id, request, attempt_id, failed_stage, error_kind, error, retry_count, max_retries, " +
	"next_retry_at, created_at, last_failed_at"

func (d dialect) listReports(f ReportFilter) sq.SelectBuilder {
	q := d.sq.Select(reportColumns).From("daily_reports").Limit(limitOr(f.Limit, defaultLimit))
	if !f.Date.IsZero() {
		return q.Where(sq.Eq{"report_date": d.date(f.Date)}).OrderBy("created_at ASC", "id ASC")
	}
	return q.OrderBy("report_date DESC", "created_at DESC")
}

func (d dialect) getReports(ids []string) sq.SelectBuilder {
	return d.sq.Select(reportColumns).From("daily_reports").Where(sq.Eq{"id": ids})
}

func (d dialect) listAttempts(f AttemptFilter) sq.SelectBuilder {
	q := d.sq.Select(attemptColumns).From("generation_attempts").
		OrderBy("created_at DESC").
		Limit(limitOr(f.Limit, defaultLimit))
	if f.Outcome != "" {
		q = q.Where(sq.Eq{"outcome": string(f.Outcome)})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": d.ts(f.Since)})
	}
	return q
}

func (d dialect) queryLogs(f LogFilter) sq.SelectBuilder {
	q := d.sq.Select(logColumns).From("stage_logs").
		OrderBy("created_at ASC", "attempt_id ASC", "seq ASC", "try ASC").
		Limit(limitOr(f.Limit, 1000))
	if f.AttemptID != "" {
		q = q.Where(sq.Eq{"attempt_id": f.AttemptID})
	}
	if f.Stage != "" {
		q = q.Where(sq.Eq{"stage": string(f.Stage)})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": d.ts(f.Since)})
	}
	return q
}

func (d dialect) listDLQ(f resilience.DLQFilter) sq.SelectBuilder {
	q := d.sq.Select(dlqColumns).From("dead_letter_queue").
		OrderBy("next_retry_at ASC").
		Limit(limitOr(f.Limit, defaultLimit))
	if f.ErrorKind != "" {
		q = q.Where(sq.Eq{"error_kind": string(f.ErrorKind)})
	}
	if !f.DueBefore.IsZero() {
		q = q.Where(sq.LtOrEq{"next_retry_at": d.ts(f.DueBefore)}).
			Where("retry_count < max_retries")
	}
	return q
}

// orderByIDs reorders reports to follow ids and reports the first missing ID.
func orderByIDs(reports []model.SourceReport, ids []string) ([]model.SourceReport, string) {
	byID := make(map[string]model.SourceReport, len(reports))
	for _, r := range reports {
		byID[r.ID] = r
	}
	out := make([]model.SourceReport, 0, len(ids))
	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			return nil, id
		}
		out = append(out, r)
	}
	return out, ""
}
