package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"housekeeper/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	retention  int
	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retention: cfg.Retention, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	panicked := 0
	if r.Panic {
		panicked = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, task, env, scheduled_at, started_at, finished_at, took_ms, status, err, panic)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		int64(r.RunID), r.Task, nullStr(r.Env), r.ScheduledAt.UnixMilli(), r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli(),
		r.TookMS, r.Status, nullStr(r.Error), panicked,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("run journal prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, task string, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = s.retention
	}
	q := `SELECT run_id, task, env, scheduled_at, started_at, finished_at, took_ms, status, err, panic FROM runs`
	args := []any{}
	if task != "" {
		q += ` WHERE task = ?`
		args = append(args, task)
	}
	q += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                      RunRecord
			runID                  int64
			env, errStr            sql.NullString
			sched, started, finish int64
			panicked               int
		)
		if err := rows.Scan(&runID, &r.Task, &env, &sched, &started, &finish, &r.TookMS, &r.Status, &errStr, &panicked); err != nil {
			return nil, err
		}
		r.RunID = uint64(runID)
		r.Env = env.String
		r.Error = errStr.String
		r.Panic = panicked != 0
		r.ScheduledAt = time.UnixMilli(sched)
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finish)
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest retention rows per task.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY task ORDER BY finished_at DESC, id DESC) AS rn FROM runs
			) WHERE rn > ?
		)`, s.retention)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
