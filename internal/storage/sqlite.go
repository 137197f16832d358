//go:build sqlite
// +build sqlite

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

	_ "modernc.org/sqlite"

	"hivecron/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
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

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
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

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedUTC.IsZero() {
		r.StartedUTC = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, tenant, task, started_utc, duration_ms, err)
		 VALUES(?,?,?,?,?,?)`,
		r.ID, r.Tenant, r.Task, r.StartedUTC.Format(time.RFC3339Nano),
		r.Duration.Milliseconds(), nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant, task, started_utc, duration_ms, err
		 FROM runs ORDER BY started_utc DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r       RunRecord
			started string
			durMS   int64
			errStr  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Task, &started, &durMS, &errStr); err != nil {
			return out, err
		}
		if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
			r.StartedUTC = t
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return out, err
	}
	// Oldest first, matching the file driver's journal order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
