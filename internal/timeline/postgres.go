package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/worktrail/model"
)

// PgStore keeps one PostgreSQL table per workflow type.
type PgStore struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	tables map[string]*pgTable
}

// NewPgStore creates a timeline store on an existing pool. The caller owns
// the pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool, tables: make(map[string]*pgTable)}
}

// Close is a no-op; the pool is closed by its owner.
func (s *PgStore) Close() error { return nil }

// Ping checks the pool.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Table returns the table for workType, creating it if needed.
func (s *PgStore) Table(ctx context.Context, workType string) (Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := TableName(workType)
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	ident := pgx.Identifier{name}.Sanitize()
	index := pgx.Identifier{name + "_work_unit_id"}.Sanitize()
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             BIGSERIAL PRIMARY KEY,
			work_unit_id   BIGINT NOT NULL,
			datetime       TIMESTAMPTZ NOT NULL,
			"user"         TEXT NOT NULL,
			action         TEXT NOT NULL,
			previous_state TEXT,
			target         TEXT,
			state          TEXT NOT NULL,
			json           TEXT
		)`, ident))
	if err != nil {
		return nil, fmt.Errorf("create timeline table %s: %w", name, err)
	}
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (work_unit_id)`, index, ident)); err != nil {
		return nil, fmt.Errorf("create timeline index %s: %w", name, err)
	}

	t := &pgTable{pool: s.pool, name: name, ident: ident}
	s.tables[name] = t
	return t, nil
}

type pgTable struct {
	pool  *pgxpool.Pool
	name  string
	ident string
}

func (t *pgTable) Name() string { return t.name }

func (t *pgTable) Append(ctx context.Context, e model.TimelineEntry) (int64, error) {
	if e.Datetime.IsZero() {
		e.Datetime = time.Now().UTC()
	}
	var payload *string
	if len(e.JSON) > 0 {
		payload = model.StringPtr(string(e.JSON))
	}

	var id int64
	err := t.pool.QueryRow(ctx, `
		INSERT INTO `+t.ident+` (work_unit_id, datetime, "user", action, previous_state, target, state, json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.WorkUnitID, e.Datetime, e.User, e.Action, e.PreviousState, e.Target, e.State, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert timeline entry: %w", err)
	}
	return id, nil
}

const pgColumns = `id, work_unit_id, datetime, "user", action, previous_state, target, state, json`

func (t *pgTable) Select(ctx context.Context, q Query) iter.Seq2[model.TimelineEntry, error] {
	where, args := q.where(func(n int) string { return "$" + strconv.Itoa(n) }, q.Since)
	query := `SELECT ` + pgColumns + ` FROM ` + t.ident + ` ` + where

	return func(yield func(model.TimelineEntry, error) bool) {
		rows, err := t.pool.Query(ctx, query, args...)
		if err != nil {
			yield(model.TimelineEntry{}, fmt.Errorf("query timeline: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanPg(rows)
			if !yield(e, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(model.TimelineEntry{}, fmt.Errorf("iterate timeline: %w", err))
		}
	}
}

func (t *pgTable) Load(ctx context.Context, id int64) (model.TimelineEntry, error) {
	e, err := scanPg(t.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM `+t.ident+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TimelineEntry{}, entryNotFound(t.name, id)
	}
	return e, err
}

func scanPg(row pgx.Row) (model.TimelineEntry, error) {
	var e model.TimelineEntry
	var payload *string
	if err := row.Scan(&e.ID, &e.WorkUnitID, &e.Datetime, &e.User, &e.Action, &e.PreviousState, &e.Target, &e.State, &payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("scan timeline entry: %w", err)
	}
	e.Datetime = e.Datetime.UTC()
	if payload != nil && *payload != "" {
		e.JSON = json.RawMessage(*payload)
	}
	return e, nil
}
