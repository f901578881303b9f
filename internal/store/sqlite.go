package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Dates are stored as
// YYYY-MM-DD text and timestamps in a fixed-width UTC text layout.
type SQLiteStore struct {
	db    *sql.DB
	lease time.Duration
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; busy_timeout covers other processes.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// SetAttemptLease sets how long a pending attempt may go without an update
// before ReserveAttempt reclaims its fingerprint.
func (s *SQLiteStore) SetAttemptLease(d time.Duration) {
	s.lease = d
}

func (s *SQLiteStore) attemptLease() time.Duration {
	if s.lease <= 0 {
		return DefaultAttemptLease
	}
	return s.lease
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS daily_reports (
	id               TEXT PRIMARY KEY,
	report_date      TEXT NOT NULL,
	staff_name       TEXT NOT NULL DEFAULT '',
	customer_context TEXT NOT NULL DEFAULT '',
	treatment_notes  TEXT NOT NULL DEFAULT '',
	reflections      TEXT NOT NULL DEFAULT '',
	created_at       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS generation_attempts (
	id                TEXT PRIMARY KEY,
	fingerprint       TEXT NOT NULL,
	trigger_source    TEXT NOT NULL,
	mode              TEXT NOT NULL,
	content_type      TEXT NOT NULL,
	target_date       TEXT NOT NULL,
	source_report_ids TEXT NOT NULL,
	stage             TEXT NOT NULL DEFAULT '',
	outcome           TEXT NOT NULL DEFAULT 'pending',
	content_id        TEXT,
	draft             TEXT,
	failure_stage     TEXT,
	failure_kind      TEXT,
	failure_message   TEXT,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_generation_attempts_live
	ON generation_attempts(fingerprint) WHERE outcome <> 'failed';

CREATE TABLE IF NOT EXISTS stage_logs (
	id         TEXT PRIMARY KEY,
	attempt_id TEXT NOT NULL REFERENCES generation_attempts(id),
	stage      TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	try        INTEGER NOT NULL,
	status     TEXT NOT NULL,
	elapsed_ms INTEGER NOT NULL,
	error_kind TEXT,
	error      TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS content_items (
	id                TEXT PRIMARY KEY,
	fingerprint       TEXT NOT NULL UNIQUE,
	attempt_id        TEXT NOT NULL REFERENCES generation_attempts(id),
	content_type      TEXT NOT NULL,
	title             TEXT NOT NULL,
	body              TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	source_report_ids TEXT NOT NULL,
	target_date       TEXT NOT NULL,
	status            TEXT NOT NULL,
	featured          INTEGER NOT NULL DEFAULT 0,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id             TEXT PRIMARY KEY,
	request        TEXT NOT NULL,
	attempt_id     TEXT NOT NULL,
	failed_stage   TEXT,
	error_kind     TEXT NOT NULL,
	error          TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_daily_reports_date ON daily_reports(report_date, created_at);
CREATE INDEX IF NOT EXISTS idx_generation_attempts_created ON generation_attempts(created_at);
CREATE INDEX IF NOT EXISTS idx_stage_logs_attempt ON stage_logs(attempt_id, seq, try);
CREATE INDEX IF NOT EXISTS idx_stage_logs_created ON stage_logs(created_at);
CREATE INDEX IF NOT EXISTS idx_dlq_next_retry ON dead_letter_queue(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(ctx context.Context, b sq.SelectBuilder) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build query")
	}
	return s.db.QueryContext(ctx, query, args...)
}

// scannable is satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func parseDateCol(s string) (time.Time, error) {
	t, err := model.ParseDate(s)
	return t, eris.Wrapf(err, "parse date %q", s)
}

func parseTSCol(s string) (time.Time, error) {
	t, err := parseTS(s)
	return t, eris.Wrapf(err, "parse timestamp %q", s)
}

// Reports

func (s *SQLiteStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.SourceReport, error) {
	rows, err := s.query(ctx, sqliteDialect.listReports(filter))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list reports")
	}
	defer rows.Close() //nolint:errcheck
	return collectSQLiteReports(rows)
}

func (s *SQLiteStore) GetReports(ctx context.Context, ids []string) ([]model.SourceReport, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, sqliteDialect.getReports(ids))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get reports")
	}
	defer rows.Close() //nolint:errcheck

	reports, err := collectSQLiteReports(rows)
	if err != nil {
		return nil, err
	}
	ordered, missing := orderByIDs(reports, ids)
	if missing != "" {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: report %s", missing)
	}
	return ordered, nil
}

func collectSQLiteReports(rows *sql.Rows) ([]model.SourceReport, error) {
	var reports []model.SourceReport
	for rows.Next() {
		var (
			r               model.SourceReport
			date, createdAt string
		)
		if err := rows.Scan(&r.ID, &date, &r.StaffName, &r.CustomerContext,
			&r.TreatmentNotes, &r.Reflections, &createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		var err error
		if r.ReportDate, err = parseDateCol(date); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		if r.CreatedAt, err = parseTSCol(createdAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan report")
		}
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "sqlite: iterate reports")
}

func (s *SQLiteStore) InsertReport(ctx context.Context, r *model.SourceReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_reports (`+reportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ReportDate.Format(model.DateLayout), r.StaffName, r.CustomerContext,
		r.TreatmentNotes, r.Reflections, formatTS(r.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: insert report")
}

// Attempts

func (s *SQLiteStore) ReserveAttempt(ctx context.Context, a *model.GenerationAttempt) (*model.GenerationAttempt, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.Outcome = model.OutcomePending
	a.CreatedAt, a.UpdatedAt = now, now

	idsJSON, err := json.Marshal(a.SourceReportIDs)
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: marshal source report ids")
	}

	for round := 0; round < 3; round++ {
		inserted, err := s.insertAttempt(ctx, a, string(idsJSON), now)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			return nil, true, nil
		}

		existing, err := scanSQLiteAttempt(s.db.QueryRowContext(ctx,
			`SELECT `+attemptColumns+` FROM generation_attempts
			 WHERE fingerprint = ? AND outcome <> 'failed'`,
			a.Fingerprint,
		))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, eris.Wrap(err, "sqlite: load conflicting attempt")
		}
	}
	return nil, false, resilience.NewTransientError(eris.New("sqlite: reserve attempt: fingerprint kept changing hands"), 0)
}

// insertAttempt reclaims an expired pending attempt for a's fingerprint and
// inserts a unless a live attempt still holds it.
func (s *SQLiteStore) insertAttempt(ctx context.Context, a *model.GenerationAttempt, idsJSON string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: begin reserve attempt")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`UPDATE generation_attempts
		 SET outcome = 'failed', failure_stage = stage, failure_kind = ?, failure_message = ?, updated_at = ?
		 WHERE fingerprint = ? AND outcome = 'pending' AND updated_at < ?`,
		string(model.ErrorKindAbandoned), abandonedMessage, formatTS(now), a.Fingerprint, formatTS(now.Add(-s.attemptLease())),
	); err != nil {
		return false, eris.Wrap(err, "sqlite: reclaim expired attempt")
	}

	var id string
	err = tx.QueryRowContext(ctx,
		`INSERT INTO generation_attempts
		 (id, fingerprint, trigger_source, mode, content_type, target_date, source_report_ids, stage, outcome, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) WHERE outcome <> 'failed' DO NOTHING
		 RETURNING id`,
		a.ID, a.Fingerprint, string(a.Trigger), string(a.Mode), string(a.ContentType),
		a.TargetDate.Format(model.DateLayout), idsJSON, string(a.Stage), string(a.Outcome),
		formatTS(now), formatTS(now),
	).Scan(&id)
	inserted := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrap(err, "sqlite: reserve attempt")
	}
	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: commit reserve attempt")
	}
	return inserted, nil
}

func (s *SQLiteStore) UpdateAttemptStage(ctx context.Context, id string, stage model.Stage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE generation_attempts SET stage = ?, updated_at = ? WHERE id = ?`,
		string(stage), formatTS(time.Now()), id,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update attempt stage")
	}
	return checkRowsAffected(res, "attempt", id)
}

func (s *SQLiteStore) FinishAttempt(ctx context.Context, id string, res model.AttemptResult) error {
	var draft sql.NullString
	if res.Draft != nil {
		b, err := json.Marshal(res.Draft)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal draft")
		}
		draft = sql.NullString{String: string(b), Valid: true}
	}
	var fStage, fKind, fMsg sql.NullString
	if f := res.Failure; f != nil {
		fStage = sql.NullString{String: string(f.Stage), Valid: true}
		fKind = sql.NullString{String: string(f.Kind), Valid: true}
		fMsg = sql.NullString{String: f.Message, Valid: true}
	}
	contentID := sql.NullString{String: res.ContentID, Valid: res.ContentID != ""}

	r, err := s.db.ExecContext(ctx,
		`UPDATE generation_attempts
		 SET outcome = ?, content_id = ?, draft = ?, failure_stage = ?, failure_kind = ?,
		     failure_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(res.Outcome), contentID, draft, fStage, fKind, fMsg, formatTS(time.Now()), id,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: finish attempt")
	}
	return checkRowsAffected(r, "attempt", id)
}

func (s *SQLiteStore) GetAttempt(ctx context.Context, id string) (*model.GenerationAttempt, error) {
	a, err := scanSQLiteAttempt(s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM generation_attempts WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get attempt %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.GenerationAttempt, error) {
	rows, err := s.query(ctx, sqliteDialect.listAttempts(filter))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list attempts")
	}
	defer rows.Close() //nolint:errcheck

	var attempts []model.GenerationAttempt
	for rows.Next() {
		a, err := scanSQLiteAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attempt")
		}
		attempts = append(attempts, *a)
	}
	return attempts, eris.Wrap(rows.Err(), "sqlite: iterate attempts")
}

func scanSQLiteAttempt(row scannable) (*model.GenerationAttempt, error) {
	var (
		a                                 model.GenerationAttempt
		trigger, mode, ct, stage, outcome string
		targetDate, idsJSON               string
		createdAt, updatedAt              string
		contentID, draft                  sql.NullString
		fStage, fKind, fMsg               sql.NullString
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &trigger, &mode, &ct, &targetDate, &idsJSON,
		&stage, &outcome, &contentID, &draft, &fStage, &fKind, &fMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Trigger = model.TriggerSource(trigger)
	a.Mode = model.FingerprintMode(mode)
	a.ContentType = model.ContentType(ct)
	a.Stage = model.Stage(stage)
	a.Outcome = model.Outcome(outcome)
	a.ContentID = contentID.String

	if a.TargetDate, err = parseDateCol(targetDate); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseTSCol(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseTSCol(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &a.SourceReportIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal source report ids")
	}
	if draft.Valid {
		a.Draft = &model.Draft{}
		if err := json.Unmarshal([]byte(draft.String), a.Draft); err != nil {
			return nil, eris.Wrap(err, "unmarshal draft")
		}
	}
	if fStage.Valid {
		a.Failure = &model.AttemptFailure{
			Stage:   model.Stage(fStage.String),
			Kind:    model.ErrorKind(fKind.String),
			Message: fMsg.String,
		}
	}
	return &a, nil
}

// Content

func (s *SQLiteStore) InsertContentIfAbsent(ctx context.Context, item *model.ContentItem) (*model.ContentItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	idsJSON, err := json.Marshal(item.SourceReportIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal source report ids")
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO content_items (`+contentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fingerprint) DO NOTHING
		 RETURNING id`,
		item.ID, item.Fingerprint, item.AttemptID, string(item.ContentType), item.Title, item.Body, item.Summary,
		string(idsJSON), item.TargetDate.Format(model.DateLayout), string(item.Status), item.Featured,
		formatTS(now), formatTS(now),
	).Scan(&id)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(err, "sqlite: insert content")
	}

	existing, err := scanSQLiteContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE fingerprint = ?`, item.Fingerprint))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load conflicting content")
	}
	return existing, &resilience.ConstraintViolation{Constraint: "content_items.fingerprint", Existing: existing.ID}
}

func (s *SQLiteStore) GetContent(ctx context.Context, id string) (*model.ContentItem, error) {
	c, err := scanSQLiteContent(s.db.QueryRowContext(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get content %s", id)
	}
	return c, nil
}

func scanSQLiteContent(row scannable) (*model.ContentItem, error) {
	var (
		c                         model.ContentItem
		ct, status, idsJSON, date string
		createdAt, updatedAt      string
	)
	err := row.Scan(&c.ID, &c.Fingerprint, &c.AttemptID, &ct, &c.Title, &c.Body, &c.Summary,
		&idsJSON, &date, &status, &c.Featured, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ContentType = model.ContentType(ct)
	c.Status = model.ContentStatus(status)
	if c.TargetDate, err = parseDateCol(date); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTSCol(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTSCol(updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &c.SourceReportIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal source report ids")
	}
	return &c, nil
}

// Stage logs

func (s *SQLiteStore) AppendStageLog(ctx context.Context, e *model.StageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AttemptID, string(e.Stage), e.Seq, e.Try, string(e.Status), e.ElapsedMs,
		sql.NullString{String: string(e.ErrorKind), Valid: e.ErrorKind != ""},
		sql.NullString{String: e.Error, Valid: e.Error != ""},
		formatTS(e.CreatedAt),
	)
	return eris.Wrap(err, "sqlite: append stage log")
}

func (s *SQLiteStore) QueryStageLogs(ctx context.Context, filter LogFilter) ([]model.StageLogEntry, error) {
	rows, err := s.query(ctx, sqliteDialect.queryLogs(filter))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query stage logs")
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.StageLogEntry
	for rows.Next() {
		var (
			e                 model.StageLogEntry
			stage, status, ts string
			kind, msg         sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &stage, &e.Seq, &e.Try, &status, &e.ElapsedMs,
			&kind, &msg, &ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage log")
		}
		e.Stage = model.Stage(stage)
		e.Status = model.StageStatus(status)
		e.ErrorKind = model.ErrorKind(kind.String)
		e.Error = msg.String
		if e.CreatedAt, err = parseTSCol(ts); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage log")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate stage logs")
}

// Dead letter queue

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	reqJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   failed_stage = excluded.failed_stage, error_kind = excluded.error_kind, error = excluded.error,
		   retry_count = excluded.retry_count, next_retry_at = excluded.next_retry_at,
		   last_failed_at = excluded.last_failed_at`,
		entry.ID, string(reqJSON), entry.AttemptID,
		sql.NullString{String: string(entry.FailedStage), Valid: entry.FailedStage != ""},
		string(entry.ErrorKind), entry.Error, entry.RetryCount, entry.MaxRetries,
		formatTS(entry.NextRetryAt), formatTS(entry.CreatedAt), formatTS(entry.LastFailedAt),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	rows, err := s.query(ctx, sqliteDialect.listDLQ(filter))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e                              resilience.DLQEntry
			reqJSON, kind                  string
			failedStage                    sql.NullString
			nextRetry, created, lastFailed string
		)
		if err := rows.Scan(&e.ID, &reqJSON, &e.AttemptID, &failedStage, &kind, &e.Error,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &created, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		e.FailedStage = model.Stage(failedStage.String)
		e.ErrorKind = model.ErrorKind(kind)
		if err := json.Unmarshal([]byte(reqJSON), &e.Request); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq request")
		}
		for _, f := range []struct {
			dst *time.Time
			src string
		}{{&e.NextRetryAt, nextRetry}, {&e.CreatedAt, created}, {&e.LastFailedAt, lastFailed}} {
			if *f.dst, err = parseTSCol(f.src); err != nil {
				return nil, eris.Wrap(err, "sqlite: scan dlq entry")
			}
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: iterate dlq")
}

func (s *SQLiteStore) UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dead_letter_queue
		 SET attempt_id = ?, failed_stage = ?, error_kind = ?, error = ?, retry_count = ?, next_retry_at = ?, last_failed_at = ?
		 WHERE id = ?`,
		entry.AttemptID, sql.NullString{String: string(entry.FailedStage), Valid: entry.FailedStage != ""}, string(entry.ErrorKind), entry.Error, entry.RetryCount,
		formatTS(entry.NextRetryAt), formatTS(entry.LastFailedAt), entry.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update dlq")
	}
	return checkRowsAffected(res, "dlq entry", entry.ID)
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter_queue WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dlq")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}
