package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
	logx "macrosched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (*sqliteStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
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

func (s *sqliteStore) ListMacros(ctx context.Context) ([]macro.Macro, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM macros ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []macro.Macro
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var m macro.Macro
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			s.log.Warn("skipping undecodable macro row", logx.Err(err))
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetMacro(ctx context.Context, id string) (macro.Macro, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM macros WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return macro.Macro{}, fmt.Errorf("macro %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return macro.Macro{}, err
	}
	var m macro.Macro
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return macro.Macro{}, fmt.Errorf("decode macro %s: %w", id, err)
	}
	return m, nil
}

func (s *sqliteStore) PutMacro(ctx context.Context, m macro.Macro) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO macros(id, name, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, data=excluded.data, updated_at=excluded.updated_at`,
		m.ID, m.Name, string(b), m.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteMacro(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "macros", "macro", id)
}

func (s *sqliteStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Schedule
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sc schedule.Schedule
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			s.log.Warn("skipping undecodable schedule row", logx.Err(err))
			continue
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM schedules WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Schedule{}, err
	}
	var sc schedule.Schedule
	if err := json.Unmarshal([]byte(data), &sc); err != nil {
		return schedule.Schedule{}, fmt.Errorf("decode schedule %s: %w", id, err)
	}
	return sc, nil
}

func (s *sqliteStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	b, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	enabled := 0
	if sc.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules(id, macro_id, enabled, data, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET macro_id=excluded.macro_id, enabled=excluded.enabled, data=excluded.data, updated_at=excluded.updated_at`,
		sc.ID, sc.MacroID, enabled, string(b), sc.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "schedules", "schedule", id)
}

func (s *sqliteStore) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(id, macro_id, macro_name, source, policy, status, started, duration_ms, repeats, err)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.MacroID, nullStr(r.MacroName), r.Source, nullStr(r.Policy), r.Status,
		r.Started.Format(time.RFC3339Nano), r.DurationMS, r.Repeats, nullStr(r.Error),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneRuns(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = runsKeep
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, macro_id, macro_name, source, policy, status, started, duration_ms, repeats, err
		 FROM runs ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var (
			r                    RunRecord
			name, policy, errStr sql.NullString
			started              string
		)
		if err := rows.Scan(&r.ID, &r.MacroID, &name, &r.Source, &policy, &r.Status, &started, &r.DurationMS, &r.Repeats, &errStr); err != nil {
			return nil, err
		}
		r.MacroName, r.Policy, r.Error = name.String, policy.String, errStr.String
		r.Started, _ = time.Parse(time.RFC3339Nano, started)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) pruneRuns(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE seq <= (SELECT MAX(seq) FROM runs) - ?`, runsKeep)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
