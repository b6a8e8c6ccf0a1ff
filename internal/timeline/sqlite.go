package timeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pitabwire/worktrail/model"
)

// SQLiteStore keeps one SQLite table per workflow type in a single database
// file. Datetimes are stored as Unix microseconds so range filters compare
// numerically.
type SQLiteStore struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]*sqliteTable
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open timeline database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect timeline database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return &SQLiteStore{db: db, tables: make(map[string]*sqliteTable)}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Table returns the table for workType, creating it if needed.
func (s *SQLiteStore) Table(ctx context.Context, workType string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := TableName(workType)
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			work_unit_id   INTEGER NOT NULL,
			datetime       INTEGER NOT NULL,
			user           TEXT NOT NULL,
			action         TEXT NOT NULL,
			previous_state TEXT,
			target         TEXT,
			state          TEXT NOT NULL,
			json           TEXT
		);
		CREATE INDEX IF NOT EXISTS %[1]s_work_unit_id ON %[1]s (work_unit_id);`, name)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("create timeline table %s: %w", name, err)
	}

	t := &sqliteTable{db: s.db, name: name}
	s.tables[name] = t
	return t, nil
}

type sqliteTable struct {
	db   *sql.DB
	name string
}

func (t *sqliteTable) Name() string { return t.name }

func (t *sqliteTable) Append(ctx context.Context, e model.TimelineEntry) (int64, error) {
	if e.Datetime.IsZero() {
		e.Datetime = time.Now().UTC()
	}
	var payload sql.NullString
	if len(e.JSON) > 0 {
		payload = sql.NullString{String: string(e.JSON), Valid: true}
	}

	res, err := t.db.ExecContext(ctx,
		`INSERT INTO `+t.name+` (work_unit_id, datetime, user, action, previous_state, target, state, json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkUnitID, e.Datetime.UnixMicro(), e.User, e.Action,
		nullString(e.PreviousState), nullString(e.Target), e.State, payload,
	)
	if err != nil {
		return 0, fmt.Errorf("insert timeline entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("timeline entry id: %w", err)
	}
	return id, nil
}

const sqliteColumns = `id, work_unit_id, datetime, user, action, previous_state, target, state, json`

func (t *sqliteTable) Select(ctx context.Context, q Query) iter.Seq2[model.TimelineEntry, error] {
	where, args := q.where(func(int) string { return "?" }, q.Since.UnixMicro())
	query := `SELECT ` + sqliteColumns + ` FROM ` + t.name + ` ` + where

	return func(yield func(model.TimelineEntry, error) bool) {
		rows, err := t.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(model.TimelineEntry{}, fmt.Errorf("query timeline: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanSQLite(rows)
			if !yield(e, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.TimelineEntry{}, fmt.Errorf("iterate timeline: %w", err))
		}
	}
}

func (t *sqliteTable) Load(ctx context.Context, id int64) (model.TimelineEntry, error) {
	row := t.db.QueryRowContext(ctx, `SELECT `+sqliteColumns+` FROM `+t.name+` WHERE id = ?`, id)
	e, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TimelineEntry{}, entryNotFound(t.name, id)
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(s scanner) (model.TimelineEntry, error) {
	var (
		e        model.TimelineEntry
		micros   int64
		previous sql.NullString
		target   sql.NullString
		payload  sql.NullString
	)
	if err := s.Scan(&e.ID, &e.WorkUnitID, &micros, &e.User, &e.Action, &previous, &target, &e.State, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan timeline entry: %w", err)
	}
	e.Datetime = time.UnixMicro(micros).UTC()
	if previous.Valid {
		e.PreviousState = &previous.String
	}
	if target.Valid {
		e.Target = &target.String
	}
	if payload.Valid {
		e.JSON = []byte(payload.String)
	}
	return e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
