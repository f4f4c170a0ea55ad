package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedtrain/internal/training"
	logx "fedtrain/pkg/logx"
)

//go:embed schema_sqlite.sql schema_mysql.sql
var schemaFS embed.FS

// dialect carries the statements that differ between SQL backends.
type dialect struct {
	name        string
	schema      string
	upsertTask  string
	upsertHist  string
	upsertToken string
}

const taskColumns = `job_id, owner_package, owner_cert_digest, population_name, server_address,
	interval_spec, context_data, constraints, creation_time, last_scheduled,
	last_run_start, last_run_end, earliest_next_run, scheduling_reason, reschedule_count`

const insertTask = `INSERT INTO training_tasks(` + taskColumns + `)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

var sqliteDialect = dialect{
	name:   "sqlite",
	schema: "schema_sqlite.sql",
	upsertTask: insertTask + `
	ON CONFLICT(job_id) DO UPDATE SET
		owner_package=excluded.owner_package, owner_cert_digest=excluded.owner_cert_digest,
		population_name=excluded.population_name, server_address=excluded.server_address,
		interval_spec=excluded.interval_spec, context_data=excluded.context_data,
		constraints=excluded.constraints, creation_time=excluded.creation_time,
		last_scheduled=excluded.last_scheduled, last_run_start=excluded.last_run_start,
		last_run_end=excluded.last_run_end, earliest_next_run=excluded.earliest_next_run,
		scheduling_reason=excluded.scheduling_reason, reschedule_count=excluded.reschedule_count`,
	upsertHist: `INSERT INTO task_history(job_id, population_name, task_name, contribution_round, contribution_time, total_participation)
	VALUES(?,?,?,?,?,?)
	ON CONFLICT(job_id, population_name, task_name) DO UPDATE SET
		contribution_round=excluded.contribution_round,
		contribution_time=excluded.contribution_time,
		total_participation=excluded.total_participation`,
	upsertToken: `INSERT INTO auth_tokens(owner, token, expires_at) VALUES(?,?,?)
	ON CONFLICT(owner) DO UPDATE SET token=excluded.token, expires_at=excluded.expires_at`,
}

var mysqlDialect = dialect{
	name:   "mysql",
	schema: "schema_mysql.sql",
	upsertTask: insertTask + `
	ON DUPLICATE KEY UPDATE
		owner_package=VALUES(owner_package), owner_cert_digest=VALUES(owner_cert_digest),
		population_name=VALUES(population_name), server_address=VALUES(server_address),
		interval_spec=VALUES(interval_spec), context_data=VALUES(context_data),
		constraints=VALUES(constraints), creation_time=VALUES(creation_time),
		last_scheduled=VALUES(last_scheduled), last_run_start=VALUES(last_run_start),
		last_run_end=VALUES(last_run_end), earliest_next_run=VALUES(earliest_next_run),
		scheduling_reason=VALUES(scheduling_reason), reschedule_count=VALUES(reschedule_count)`,
	upsertHist: `INSERT INTO task_history(job_id, population_name, task_name, contribution_round, contribution_time, total_participation)
	VALUES(?,?,?,?,?,?)
	ON DUPLICATE KEY UPDATE
		contribution_round=VALUES(contribution_round),
		contribution_time=VALUES(contribution_time),
		total_participation=VALUES(total_participation)`,
	upsertToken: `INSERT INTO auth_tokens(owner, token, expires_at) VALUES(?,?,?)
	ON DUPLICATE KEY UPDATE token=VALUES(token), expires_at=VALUES(expires_at)`,
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) (*sqlStore, error) {
	st := &sqlStore{db: db, dialect: d, log: log}
	if err := st.migrate(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile(s.dialect.schema)
	if err != nil {
		return err
	}
	// Executed one statement at a time; mysql rejects multi-statement Exec
	// unless the DSN opts in.
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s migrate: %w", s.dialect.name, err)
		}
	}
	s.log.Debug("schema ready")
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) UpsertTask(ctx context.Context, t *training.TrainingTask) error {
	if err := t.Validate(); err != nil {
		return err
	}
	iv, err := training.EncodeInterval(t.Interval)
	if err != nil {
		return err
	}
	cons, err := training.EncodeConstraints(t.Constraints)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.dialect.upsertTask,
		t.JobID, t.Owner.PackageName, t.Owner.CertDigest, t.PopulationName, t.ServerAddress,
		iv, nullBytes(t.Context), cons, millis(t.CreationTime), millis(t.LastScheduled),
		millis(t.LastRunStart), millis(t.LastRunEnd), millis(t.EarliestNextRun), int(t.Reason), t.RescheduleCount,
	)
	if err != nil {
		return fmt.Errorf("upsert task %d: %w", t.JobID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*training.TrainingTask, error) {
	var (
		t                                training.TrainingTask
		iv, cons, ctxData                []byte
		created, sched, start, end, next int64
		reason                           int
	)
	err := r.Scan(&t.JobID, &t.Owner.PackageName, &t.Owner.CertDigest, &t.PopulationName, &t.ServerAddress,
		&iv, &ctxData, &cons, &created, &sched, &start, &end, &next, &reason, &t.RescheduleCount)
	if err != nil {
		return nil, err
	}
	if t.Interval, err = training.DecodeInterval(iv); err != nil {
		return nil, err
	}
	if t.Constraints, err = training.DecodeConstraints(cons); err != nil {
		return nil, err
	}
	if len(ctxData) > 0 {
		t.Context = ctxData
	}
	t.CreationTime = fromMillis(created)
	t.LastScheduled = fromMillis(sched)
	t.LastRunStart = fromMillis(start)
	t.LastRunEnd = fromMillis(end)
	t.EarliestNextRun = fromMillis(next)
	t.Reason = training.SchedulingReason(reason)
	return &t, nil
}

func (s *sqlStore) GetTask(ctx context.Context, jobID int64) (*training.TrainingTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM training_tasks WHERE job_id = ?`, jobID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", jobID, err)
	}
	return t, nil
}

func (s *sqlStore) ListTasks(ctx context.Context, f TaskFilter) ([]*training.TrainingTask, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != 0 {
		where = append(where, "job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Population != "" {
		where = append(where, "population_name = ?")
		args = append(args, f.Population)
	}
	if f.OwnerPackage != "" {
		where = append(where, "owner_package = ?")
		args = append(args, f.OwnerPackage)
	}
	q := `SELECT ` + taskColumns + ` FROM training_tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY job_id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*training.TrainingTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteTask(ctx context.Context, jobID int64) (*training.TrainingTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM training_tasks WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("delete task %d: %w", jobID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM training_tasks WHERE job_id = ?`, jobID); err != nil {
		return nil, fmt.Errorf("delete task %d: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *sqlStore) UpsertHistory(ctx context.Context, h training.TaskHistory) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertHist,
		h.JobID, h.PopulationName, h.TaskName, h.ContributionRound, millis(h.ContributionTime), h.TotalParticipation)
	if err != nil {
		return fmt.Errorf("upsert history: %w", err)
	}
	return nil
}

func (s *sqlStore) GetHistory(ctx context.Context, key training.HistoryKey) (*training.TaskHistory, error) {
	h := training.TaskHistory{HistoryKey: key}
	var at int64
	err := s.db.QueryRowContext(ctx,
		`SELECT contribution_round, contribution_time, total_participation FROM task_history
		 WHERE job_id = ? AND population_name = ? AND task_name = ?`,
		key.JobID, key.PopulationName, key.TaskName,
	).Scan(&h.ContributionRound, &at, &h.TotalParticipation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	h.ContributionTime = fromMillis(at)
	return &h, nil
}

func (s *sqlStore) DeleteHistoryOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_history WHERE contribution_time < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) UpsertAuthToken(ctx context.Context, tok training.AuthToken) error {
	if strings.TrimSpace(tok.Owner) == "" {
		return errors.New("auth token owner required")
	}
	_, err := s.db.ExecContext(ctx, s.dialect.upsertToken, tok.Owner, tok.Token, millis(tok.ExpiresAt))
	if err != nil {
		return fmt.Errorf("upsert auth token: %w", err)
	}
	return nil
}

func (s *sqlStore) GetAuthToken(ctx context.Context, owner string) (*training.AuthToken, error) {
	tok := training.AuthToken{Owner: owner}
	var exp int64
	err := s.db.QueryRowContext(ctx, `SELECT token, expires_at FROM auth_tokens WHERE owner = ?`, owner).Scan(&tok.Token, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get auth token: %w", err)
	}
	tok.ExpiresAt = fromMillis(exp)
	return &tok, nil
}

func (s *sqlStore) DeleteExpiredAuthTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM auth_tokens WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge auth tokens: %w", err)
	}
	return res.RowsAffected()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
