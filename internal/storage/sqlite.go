package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskd/internal/job"
	logx "taskd/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const selectColumns = `SELECT id, name, recurring, schedule_cron, script_path, script_type, parameters,
	run_count, last_outcome, last_run_at, created_at, updated_at FROM jobs`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite prefers a single writer; transactions serialize on this connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLiteStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Create(ctx context.Context, def job.Definition) (job.Definition, error) {
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.RunCount = 0
	def.LastOutcome = job.OutcomeUnknown
	def.LastRunAt = time.Time{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Definition{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if def.ID != 0 {
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, def.ID).Scan(&one)
		if err == nil {
			return job.Definition{}, fmt.Errorf("job %d: %w", def.ID, job.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return job.Definition{}, fmt.Errorf("check id: %w", err)
		}
		res, err = tx.ExecContext(ctx, `
INSERT INTO jobs (id, name, recurring, schedule_cron, script_path, script_type, parameters,
                  run_count, last_outcome, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			def.ID, def.Name, def.Recurring, nullStr(def.Schedule), nullStr(def.ScriptPath), string(def.ScriptType),
			nullStr(def.Parameters), string(def.LastOutcome), formatTime(now), formatTime(now))
		if err != nil {
			return job.Definition{}, fmt.Errorf("insert job: %w", err)
		}
	} else {
		res, err = tx.ExecContext(ctx, `
INSERT INTO jobs (name, recurring, schedule_cron, script_path, script_type, parameters,
                  run_count, last_outcome, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
			def.Name, def.Recurring, nullStr(def.Schedule), nullStr(def.ScriptPath), string(def.ScriptType),
			nullStr(def.Parameters), string(def.LastOutcome), formatTime(now), formatTime(now))
		if err != nil {
			return job.Definition{}, fmt.Errorf("insert job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return job.Definition{}, fmt.Errorf("insert id: %w", err)
		}
		def.ID = id
	}

	if err := tx.Commit(); err != nil {
		return job.Definition{}, fmt.Errorf("tx commit: %w", err)
	}
	return def, nil
}

func (s *sqliteStore) Get(ctx context.Context, id int64) (job.Definition, error) {
	d, err := scanDefinition(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Definition{}, job.NotFound(id)
	}
	if err != nil {
		return job.Definition{}, fmt.Errorf("get job %d: %w", id, err)
	}
	return d, nil
}

func (s *sqliteStore) List(ctx context.Context, offset, limit int) ([]job.Definition, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = -1 // sqlite: no limit
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collect(rows)
}

func (s *sqliteStore) ListRecurring(ctx context.Context) ([]job.Definition, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` WHERE recurring = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list recurring: %w", err)
	}
	return collect(rows)
}

func (s *sqliteStore) Update(ctx context.Context, def job.Definition) (job.Definition, error) {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Definition{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
UPDATE jobs
SET name = ?, recurring = ?, schedule_cron = ?, script_path = ?, script_type = ?, parameters = ?, updated_at = ?
WHERE id = ?`,
		def.Name, def.Recurring, nullStr(def.Schedule), nullStr(def.ScriptPath), string(def.ScriptType),
		nullStr(def.Parameters), formatTime(now), def.ID)
	if err != nil {
		return job.Definition{}, fmt.Errorf("update job %d: %w", def.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return job.Definition{}, job.NotFound(def.ID)
	}
	out, err := scanDefinition(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, def.ID))
	if err != nil {
		return job.Definition{}, fmt.Errorf("reload job %d: %w", def.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return job.Definition{}, fmt.Errorf("tx commit: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete job %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) Reconcile(ctx context.Context, id int64, outcome job.Outcome, at time.Time) (job.Definition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return job.Definition{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDefinition(tx.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return job.Definition{}, job.NotFound(id)
	}
	if err != nil {
		return job.Definition{}, fmt.Errorf("reconcile fetch %d: %w", id, err)
	}

	d.RunCount++
	d.LastOutcome = outcome
	d.LastRunAt = at.UTC()
	d.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET run_count = ?, last_outcome = ?, last_run_at = ?, updated_at = ? WHERE id = ?`,
		d.RunCount, string(d.LastOutcome), formatTime(d.LastRunAt), formatTime(d.UpdatedAt), id,
	); err != nil {
		return job.Definition{}, fmt.Errorf("reconcile update %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return job.Definition{}, fmt.Errorf("tx commit: %w", err)
	}
	return d, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (job.Definition, error) {
	var (
		d                             job.Definition
		schedule, path, params, lastR sql.NullString
		scriptType, outcome           string
		created, updated              string
	)
	err := row.Scan(&d.ID, &d.Name, &d.Recurring, &schedule, &path, &scriptType, &params,
		&d.RunCount, &outcome, &lastR, &created, &updated)
	if err != nil {
		return job.Definition{}, err
	}
	d.Schedule = schedule.String
	d.ScriptPath = path.String
	d.Parameters = params.String
	d.ScriptType = job.ScriptType(scriptType)
	d.LastOutcome = job.Outcome(outcome)
	d.LastRunAt = parseTime(lastR.String)
	d.CreatedAt = parseTime(created)
	d.UpdatedAt = parseTime(updated)
	return d, nil
}

func collect(rows *sql.Rows) ([]job.Definition, error) {
	defer rows.Close()
	var out []job.Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
