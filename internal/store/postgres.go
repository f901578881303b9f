package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/db"
	"github.com/salonworks/storyline/internal/model"
	"github.com/salonworks/storyline/internal/resilience"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	lease   time.Duration
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// SetAttemptLease sets how long a pending attempt may go without an update
// before ReserveAttempt reclaims its fingerprint.
func (s *PostgresStore) SetAttemptLease(d time.Duration) {
	s.lease = d
}

func (s *PostgresStore) attemptLease() time.Duration {
	if s.lease <= 0 {
		return DefaultAttemptLease
	}
	return s.lease
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	sub, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return eris.Wrap(err, "postgres: migrations dir")
	}
	return eris.Wrap(db.Migrate(ctx, s.pool, sub), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// classify marks connection-level failures as transient so stage retries
// apply to storage as well as text generation.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	if resilience.IsTransient(err) {
		return eris.Wrap(resilience.NewTransientError(err, 0), msg)
	}
	return eris.Wrap(err, msg)
}

func (s *PostgresStore) query(ctx context.Context, b sq.SelectBuilder) (pgx.Rows, error) {
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build query")
	}
	return s.pool.Query(ctx, sql, args...)
}

// Reports

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]model.SourceReport, error) {
	rows, err := s.query(ctx, postgresDialect.listReports(filter))
	if err != nil {
		return nil, classify(err, "postgres: list reports")
	}
	return collectReports(rows)
}

func (s *PostgresStore) GetReports(ctx context.Context, ids []string) ([]model.SourceReport, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.query(ctx, postgresDialect.getReports(ids))
	if err != nil {
		return nil, classify(err, "postgres: get reports")
	}
	reports, err := collectReports(rows)
	if err != nil {
		return nil, err
	}
	ordered, missing := orderByIDs(reports, ids)
	if missing != "" {
		return nil, eris.Wrapf(ErrNotFound, "postgres: report %s", missing)
	}
	return ordered, nil
}

func collectReports(rows pgx.Rows) ([]model.SourceReport, error) {
	defer rows.Close()
	var reports []model.SourceReport
	for rows.Next() {
		var r model.SourceReport
		if err := rows.Scan(&r.ID, &r.ReportDate, &r.StaffName, &r.CustomerContext,
			&r.TreatmentNotes, &r.Reflections, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan report")
		}
		r.ReportDate = model.DateOf(r.ReportDate)
		reports = append(reports, r)
	}
	return reports, eris.Wrap(rows.Err(), "postgres: iterate reports")
}

func (s *PostgresStore) InsertReport(ctx context.Context, r *model.SourceReport) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO daily_reports (`+reportColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, model.DateOf(r.ReportDate), r.StaffName, r.CustomerContext, r.TreatmentNotes, r.Reflections, r.CreatedAt,
	)
	return classify(err, "postgres: insert report")
}

// Attempts

func (s *PostgresStore) ReserveAttempt(ctx context.Context, a *model.GenerationAttempt) (*model.GenerationAttempt, bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.Outcome = model.OutcomePending
	a.CreatedAt, a.UpdatedAt = now, now

	idsJSON, err := json.Marshal(a.SourceReportIDs)
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: marshal source report ids")
	}

	// The existing attempt may fail between the insert and the lookup, which
	// frees the fingerprint again; a few rounds settle it.
	for round := 0; round < 3; round++ {
		inserted, err := s.insertAttempt(ctx, a, idsJSON, now)
		if err != nil {
			return nil, false, err
		}
		if inserted {
			return nil, true, nil
		}

		existing, err := scanAttempt(s.pool.QueryRow(ctx,
			`SELECT `+attemptColumns+` FROM generation_attempts
			 WHERE fingerprint = $1 AND outcome <> 'failed'`,
			a.Fingerprint,
		))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, classify(err, "postgres: load conflicting attempt")
		}
	}
	return nil, false, resilience.NewTransientError(eris.New("postgres: reserve attempt: fingerprint kept changing hands"), 0)
}

// insertAttempt reclaims an expired pending attempt for a's fingerprint and
// inserts a unless a live attempt still holds it.
func (s *PostgresStore) insertAttempt(ctx context.Context, a *model.GenerationAttempt, idsJSON []byte, now time.Time) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, classify(err, "postgres: begin reserve attempt")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`UPDATE generation_attempts
		 SET outcome = 'failed', failure_stage = stage, failure_kind = $1, failure_message = $2, updated_at = $3
		 WHERE fingerprint = $4 AND outcome = 'pending' AND updated_at < $5`,
		string(model.ErrorKindAbandoned), abandonedMessage, now, a.Fingerprint, now.Add(-s.attemptLease()),
	); err != nil {
		return false, classify(err, "postgres: reclaim expired attempt")
	}

	var id string
	err = tx.QueryRow(ctx,
		`INSERT INTO generation_attempts
		 (id, fingerprint, trigger_source, mode, content_type, target_date, source_report_ids, stage, outcome, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (fingerprint) WHERE outcome <> 'failed' DO NOTHING
		 RETURNING id`,
		a.ID, a.Fingerprint, string(a.Trigger), string(a.Mode), string(a.ContentType),
		model.DateOf(a.TargetDate), idsJSON, string(a.Stage), string(a.Outcome), now, now,
	).Scan(&id)
	inserted := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, classify(err, "postgres: reserve attempt")
	}
	if err := tx.Commit(ctx); err != nil {
		return false, classify(err, "postgres: commit reserve attempt")
	}
	return inserted, nil
}

func (s *PostgresStore) UpdateAttemptStage(ctx context.Context, id string, stage model.Stage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_attempts SET stage = $1, updated_at = $2 WHERE id = $3`,
		string(stage), time.Now().UTC(), id,
	)
	if err != nil {
		return classify(err, "postgres: update attempt stage")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: attempt %s", id)
	}
	return nil
}

func (s *PostgresStore) FinishAttempt(ctx context.Context, id string, res model.AttemptResult) error {
	var draftJSON []byte
	if res.Draft != nil {
		var err error
		if draftJSON, err = json.Marshal(res.Draft); err != nil {
			return eris.Wrap(err, "postgres: marshal draft")
		}
	}
	var fStage, fKind, fMsg *string
	if f := res.Failure; f != nil {
		st, k := string(f.Stage), string(f.Kind)
		fStage, fKind, fMsg = &st, &k, &f.Message
	}
	var contentID *string
	if res.ContentID != "" {
		contentID = &res.ContentID
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE generation_attempts
		 SET outcome = $1, content_id = $2, draft = $3, failure_stage = $4, failure_kind = $5,
		     failure_message = $6, updated_at = $7
		 WHERE id = $8`,
		string(res.Outcome), contentID, draftJSON, fStage, fKind, fMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return classify(err, "postgres: finish attempt")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: attempt %s", id)
	}
	return nil
}

func (s *PostgresStore) GetAttempt(ctx context.Context, id string) (*model.GenerationAttempt, error) {
	a, err := scanAttempt(s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM generation_attempts WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get attempt %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAttempts(ctx context.Context, filter AttemptFilter) ([]model.GenerationAttempt, error) {
	rows, err := s.query(ctx, postgresDialect.listAttempts(filter))
	if err != nil {
		return nil, classify(err, "postgres: list attempts")
	}
	defer rows.Close()

	var attempts []model.GenerationAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan attempt")
		}
		attempts = append(attempts, *a)
	}
	return attempts, eris.Wrap(rows.Err(), "postgres: iterate attempts")
}

func scanAttempt(row pgx.Row) (*model.GenerationAttempt, error) {
	var (
		a                   model.GenerationAttempt
		trigger, mode, ct   string
		stage, outcome      string
		idsJSON, draftJSON  []byte
		contentID           *string
		fStage, fKind, fMsg *string
	)
	err := row.Scan(&a.ID, &a.Fingerprint, &trigger, &mode, &ct, &a.TargetDate, &idsJSON,
		&stage, &outcome, &contentID, &draftJSON, &fStage, &fKind, &fMsg, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
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
	a.TargetDate = model.DateOf(a.TargetDate)
	if contentID != nil {
		a.ContentID = *contentID
	}
	if err := json.Unmarshal(idsJSON, &a.SourceReportIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal source report ids")
	}
	if len(draftJSON) > 0 {
		a.Draft = &model.Draft{}
		if err := json.Unmarshal(draftJSON, a.Draft); err != nil {
			return nil, eris.Wrap(err, "unmarshal draft")
		}
	}
	if fStage != nil {
		a.Failure = &model.AttemptFailure{Stage: model.Stage(*fStage)}
		if fKind != nil {
			a.Failure.Kind = model.ErrorKind(*fKind)
		}
		if fMsg != nil {
			a.Failure.Message = *fMsg
		}
	}
	return &a, nil
}

// Content

func (s *PostgresStore) InsertContentIfAbsent(ctx context.Context, item *model.ContentItem) (*model.ContentItem, error) {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	item.CreatedAt, item.UpdatedAt = now, now

	idsJSON, err := json.Marshal(item.SourceReportIDs)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal source report ids")
	}

	var id string
	err = s.pool.QueryRow(ctx,
		`INSERT INTO content_items (`+contentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (fingerprint) DO NOTHING
		 RETURNING id`,
		item.ID, item.Fingerprint, item.AttemptID, string(item.ContentType), item.Title, item.Body, item.Summary,
		idsJSON, model.DateOf(item.TargetDate), string(item.Status), item.Featured, now, now,
	).Scan(&id)
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify(err, "postgres: insert content")
	}

	existing, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE fingerprint = $1`, item.Fingerprint))
	if err != nil {
		return nil, classify(err, "postgres: load conflicting content")
	}
	return existing, &resilience.ConstraintViolation{Constraint: "content_items_fingerprint_key", Existing: existing.ID}
}

func (s *PostgresStore) GetContent(ctx context.Context, id string) (*model.ContentItem, error) {
	c, err := scanContent(s.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content_items WHERE id = $1`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get content %s", id)
	}
	return c, nil
}

func scanContent(row pgx.Row) (*model.ContentItem, error) {
	var (
		c          model.ContentItem
		ct, status string
		idsJSON    []byte
	)
	err := row.Scan(&c.ID, &c.Fingerprint, &c.AttemptID, &ct, &c.Title, &c.Body, &c.Summary,
		&idsJSON, &c.TargetDate, &status, &c.Featured, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ContentType = model.ContentType(ct)
	c.Status = model.ContentStatus(status)
	c.TargetDate = model.DateOf(c.TargetDate)
	if err := json.Unmarshal(idsJSON, &c.SourceReportIDs); err != nil {
		return nil, eris.Wrap(err, "unmarshal source report ids")
	}
	return &c, nil
}

// Stage logs

func (s *PostgresStore) AppendStageLog(ctx context.Context, e *model.StageLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_logs (`+logColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AttemptID, string(e.Stage), e.Seq, e.Try, string(e.Status), e.ElapsedMs,
		nullString(string(e.ErrorKind)), nullString(e.Error), e.CreatedAt,
	)
	return classify(err, "postgres: append stage log")
}

func (s *PostgresStore) QueryStageLogs(ctx context.Context, filter LogFilter) ([]model.StageLogEntry, error) {
	rows, err := s.query(ctx, postgresDialect.queryLogs(filter))
	if err != nil {
		return nil, classify(err, "postgres: query stage logs")
	}
	defer rows.Close()

	var entries []model.StageLogEntry
	for rows.Next() {
		var (
			e             model.StageLogEntry
			stage, status string
			kind, msg     *string
		)
		if err := rows.Scan(&e.ID, &e.AttemptID, &stage, &e.Seq, &e.Try, &status, &e.ElapsedMs,
			&kind, &msg, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage log")
		}
		e.Stage = model.Stage(stage)
		e.Status = model.StageStatus(status)
		if kind != nil {
			e.ErrorKind = model.ErrorKind(*kind)
		}
		if msg != nil {
			e.Error = *msg
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate stage logs")
}

// Dead letter queue

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	reqJSON, err := json.Marshal(entry.Request)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq request")
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letter_queue (`+dlqColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   error = $6, error_kind = $5, failed_stage = $4, retry_count = $7,
		   next_retry_at = $9, last_failed_at = $11`,
		entry.ID, reqJSON, entry.AttemptID, nullString(string(entry.FailedStage)), string(entry.ErrorKind),
		entry.Error, entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return classify(err, "postgres: enqueue dlq")
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	rows, err := s.query(ctx, postgresDialect.listDLQ(filter))
	if err != nil {
		return nil, classify(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var (
			e           resilience.DLQEntry
			reqJSON     []byte
			failedStage *string
			kind        string
		)
		if err := rows.Scan(&e.ID, &reqJSON, &e.AttemptID, &failedStage, &kind, &e.Error,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if failedStage != nil {
			e.FailedStage = model.Stage(*failedStage)
		}
		e.ErrorKind = model.ErrorKind(kind)
		if err := json.Unmarshal(reqJSON, &e.Request); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq request")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: iterate dlq")
}

func (s *PostgresStore) UpdateDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dead_letter_queue
		 SET attempt_id = $1, failed_stage = $2, error_kind = $3, error = $4, retry_count = $5, next_retry_at = $6, last_failed_at = $7
		 WHERE id = $8`,
		entry.AttemptID, nullString(string(entry.FailedStage)), string(entry.ErrorKind), entry.Error, entry.RetryCount,
		entry.NextRetryAt, entry.LastFailedAt, entry.ID,
	)
	if err != nil {
		return classify(err, "postgres: update dlq")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: dlq entry %s", entry.ID)
	}
	return nil
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letter_queue WHERE id = $1`, id)
	return classify(err, "postgres: remove dlq")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letter_queue`).Scan(&count)
	return count, classify(err, "postgres: count dlq")
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
