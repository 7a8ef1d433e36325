package history

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

	logx "ticksched/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	size int

	appends    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; the recorder is the only producer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	every := uint64(cfg.Size / 10)
	if every == 0 {
		every = 1
	}
	log.Debug("history store opened", logx.String("driver", "sqlite"), logx.String("path", path), logx.Int("size", cfg.Size))
	return &sqliteStore{db: db, log: log, size: cfg.Size, pruneEvery: every}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes(id, loop, state, at, queue_delay, duration, err) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.Loop, r.State, r.At.UnixNano(), int64(r.QueueDelay), int64(r.Duration), nullStr(r.Error),
	)
	if err != nil {
		return err
	}
	if s.appends.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := s.prune(pctx); err != nil {
			s.log.Warn("history prune failed", logx.Err(err))
		}
		cancel()
	}
	return nil
}

func (s *sqliteStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 || n > s.size {
		n = s.size
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, loop, state, at, queue_delay, duration, err FROM outcomes ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, n)
	for rows.Next() {
		var (
			r         Record
			at        int64
			qd, dur   int64
			errString sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Loop, &r.State, &at, &qd, &dur, &errString); err != nil {
			return nil, err
		}
		r.At = time.Unix(0, at)
		r.QueueDelay = time.Duration(qd)
		r.Duration = time.Duration(dur)
		r.Error = errString.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest size rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM outcomes WHERE seq <= (SELECT COALESCE(MAX(seq), 0) FROM outcomes) - ?`, s.size)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
