package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var attemptRowColumns = []string{
	"id", "fingerprint", "trigger_source", "mode", "content_type", "target_date", "source_report_ids",
	"stage", "outcome", "content_id", "draft", "failure_stage", "failure_kind", "failure_message",
	"created_at", "updated_at",
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

const reclaimPattern = `UPDATE generation_attempts\s+SET outcome = 'failed', .* WHERE fingerprint = \$4 AND outcome = 'pending' AND updated_at < \$5`

func TestPostgresStore_ReserveAttempt_Reserved(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(reclaimPattern).
		WithArgs("abandoned", pgxmock.AnyArg(), pgxmock.AnyArg(), "fp-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`INSERT INTO generation_attempts .* ON CONFLICT \(fingerprint\) WHERE outcome <> 'failed' DO NOTHING`).
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("att-1"))
	mock.ExpectCommit()

	a := newAttempt("fp-1")
	a.ID = "att-1"
	existing, reserved, err := s.ReserveAttempt(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Nil(t, existing)
	assert.Equal(t, model.OutcomePending, a.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveAttempt_ReclaimsExpiredLease(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	s.SetAttemptLease(10 * time.Minute)
	cutoff := time.Now().UTC().Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(reclaimPattern).
		WithArgs("abandoned", abandonedMessage, pgxmock.AnyArg(), "fp-1", notBefore{cutoff}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO generation_attempts`).
		WithArgs(anyArgs(11)...).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("att-2"))
	mock.ExpectCommit()

	_, reserved, err := s.ReserveAttempt(context.Background(), newAttempt("fp-1"))
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// notBefore matches a time argument at or after t, within a minute.
type notBefore struct{ t time.Time }

func (m notBefore) Match(v any) bool {
	got, ok := v.(time.Time)
	return ok && !got.Before(m.t) && got.Sub(m.t) < time.Minute
}

func TestPostgresStore_ReserveAttempt_ConflictReturnsExisting(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(reclaimPattern).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`INSERT INTO generation_attempts`).
		WithArgs(anyArgs(11)...).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT id, fingerprint, trigger_source, .* FROM generation_attempts\s+WHERE fingerprint = \$1 AND outcome <> 'failed'`).
		WithArgs("fp-1").
		WillReturnRows(pgxmock.NewRows(attemptRowColumns).AddRow(
			"att-0", "fp-1", "schedule", "scheduled", "short_story", date("2025-08-22"), []byte(`["r1","r2"]`),
			"draft", "pending", (*string)(nil), []byte(nil), (*string)(nil), (*string)(nil), (*string)(nil),
			now, now,
		))

	existing, reserved, err := s.ReserveAttempt(context.Background(), newAttempt("fp-1"))
	require.NoError(t, err)
	assert.False(t, reserved)
	require.NotNil(t, existing)
	assert.Equal(t, "att-0", existing.ID)
	assert.Equal(t, model.TriggerSchedule, existing.Trigger)
	assert.Equal(t, model.StageDraft, existing.Stage)
	assert.Equal(t, []string{"r1", "r2"}, existing.SourceReportIDs)
	assert.Nil(t, existing.Draft)
	assert.Nil(t, existing.Failure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReserveAttempt_ConnectionErrorIsTransient(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(reclaimPattern).
		WithArgs(anyArgs(5)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`INSERT INTO generation_attempts`).
		WithArgs(anyArgs(11)...).
		WillReturnError(errors.New("dial tcp: connection refused"))
	mock.ExpectRollback()

	_, _, err := s.ReserveAttempt(context.Background(), newAttempt("fp-1"))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetAttempt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, fingerprint, .* FROM generation_attempts WHERE id = \$1`).
		WithArgs("nope").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetAttempt(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "get attempt")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishAttempt_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE generation_attempts`).
		WithArgs(anyArgs(8)...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishAttempt(context.Background(), "missing", model.AttemptResult{Outcome: model.OutcomeFailed})
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertContentIfAbsent_Conflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`INSERT INTO content_items .* ON CONFLICT \(fingerprint\) DO NOTHING`).
		WithArgs(anyArgs(13)...).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`SELECT id, fingerprint, attempt_id, .* FROM content_items WHERE fingerprint = \$1`).
		WithArgs("fp-c").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "fingerprint", "attempt_id", "content_type", "title", "body", "summary",
			"source_report_ids", "target_date", "status", "featured", "created_at", "updated_at",
		}).AddRow(
			"content-0", "fp-c", "att-0", "blog_post", "Existing", "body", "", []byte(`["r1"]`),
			date("2025-08-22"), "published", false, now, now,
		))

	existing, err := s.InsertContentIfAbsent(context.Background(), &model.ContentItem{
		Fingerprint: "fp-c", ContentType: model.ContentTypeBlogPost, Title: "New", Body: "b",
	})
	var cv *resilience.ConstraintViolation
	require.True(t, errors.As(err, &cv))
	assert.Equal(t, "content-0", cv.Existing)
	require.NotNil(t, existing)
	assert.Equal(t, "Existing", existing.Title)
	assert.Equal(t, model.ContentStatusPublished, existing.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendStageLog(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO stage_logs`).
		WithArgs(pgxmock.AnyArg(), "att-1", "draft", 2, 1, "retry", int64(120), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	e := &model.StageLogEntry{
		AttemptID: "att-1", Stage: model.StageDraft, Seq: 2, Try: 1, Status: model.StageStatusRetry,
		ElapsedMs: 120, ErrorKind: model.ErrorKindTransient, Error: "503",
	}
	require.NoError(t, s.AppendStageLog(context.Background(), e))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryStageLogs(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	kind, msg := "transient", "503"

	mock.ExpectQuery(`SELECT id, attempt_id, stage, seq, try, status, elapsed_ms, error_kind, error, created_at FROM stage_logs WHERE attempt_id = \$1 ORDER BY created_at ASC`).
		WithArgs("att-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "attempt_id", "stage", "seq", "try", "status", "elapsed_ms", "error_kind", "error", "created_at",
		}).
			AddRow("l1", "att-1", "draft", 2, 1, "retry", int64(120), &kind, &msg, now).
			AddRow("l2", "att-1", "draft", 2, 2, "success", int64(300), (*string)(nil), (*string)(nil), now))

	entries, err := s.QueryStageLogs(context.Background(), LogFilter{AttemptID: "att-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ErrorKindTransient, entries[0].ErrorKind)
	assert.Equal(t, "503", entries[0].Error)
	assert.Equal(t, model.StageStatusSuccess, entries[1].Status)
	assert.Empty(t, entries[1].ErrorKind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReports_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM daily_reports WHERE id IN \(\$1,\$2\)`).
		WithArgs("r1", "r2").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "report_date", "staff_name", "customer_context", "treatment_notes", "reflections", "created_at",
		}).AddRow("r1", date("2025-08-22"), "Aki", "ctx", "notes", "", now))

	_, err := s.GetReports(context.Background(), []string{"r1", "r2"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(4))

	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
