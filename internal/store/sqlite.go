package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/harijap/internal/chant"
	_ "modernc.org/sqlite"
)

// SQLite stores counters in a local database file.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

// OpenSQLite creates the database file and schema if needed.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init counter schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS counters (
    devotee_id TEXT PRIMARY KEY,
    total_count INTEGER NOT NULL DEFAULT 0,
    current_cycle_count INTEGER NOT NULL DEFAULT 0,
    completed_cycles INTEGER NOT NULL DEFAULT 0,
    last_match_at TEXT NOT NULL DEFAULT '',
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_counters_total ON counters(total_count DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *SQLite) Load(ctx context.Context, devoteeID string) (chant.State, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT total_count, current_cycle_count, completed_cycles, last_match_at
		 FROM counters WHERE devotee_id = ?`, devoteeID)
	var (
		st   chant.State
		last string
	)
	if err := row.Scan(&st.TotalCount, &st.CurrentCycleCount, &st.CompletedCycles, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chant.State{}, false, nil
		}
		return chant.State{}, false, fmt.Errorf("load counter %s: %w", devoteeID, err)
	}
	ts, err := parseTime(last)
	if err != nil {
		return chant.State{}, true, fmt.Errorf("%w: counter %s last_match_at %q", chant.ErrInvalidInput, devoteeID, last)
	}
	st.LastMatch = ts
	return st, true, nil
}

func (s *SQLite) Save(ctx context.Context, devoteeID string, state chant.State) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO counters(devotee_id, total_count, current_cycle_count, completed_cycles, last_match_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(devotee_id) DO UPDATE SET
		   total_count=excluded.total_count,
		   current_cycle_count=excluded.current_cycle_count,
		   completed_cycles=excluded.completed_cycles,
		   last_match_at=excluded.last_match_at,
		   updated_at=excluded.updated_at`,
		devoteeID, state.TotalCount, state.CurrentCycleCount, state.CompletedCycles,
		formatTime(state.LastMatch), formatTime(s.clock()))
	if err != nil {
		return fmt.Errorf("save counter %s: %w", devoteeID, err)
	}
	return nil
}

func (s *SQLite) Top(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT devotee_id, total_count, current_cycle_count, completed_cycles, last_match_at, updated_at
		 FROM counters WHERE total_count > 0
		 ORDER BY total_count DESC, devotee_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e             Entry
			last, updated string
		)
		if err := rows.Scan(&e.DevoteeID, &e.State.TotalCount, &e.State.CurrentCycleCount, &e.State.CompletedCycles, &last, &updated); err != nil {
			return nil, err
		}
		e.State.LastMatch, _ = parseTime(last)
		e.UpdatedAt, _ = parseTime(updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
