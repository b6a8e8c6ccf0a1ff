package record

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/worktrail/model"
)

//go:embed schema.sql
var schemaSQL string

// PgStore is a PostgreSQL-backed Store using pgx/v5. Tags are stored as
// JSONB so dependency lookups use containment.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL record store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// EnsureSchema creates the records table if needed. It is idempotent.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply record schema: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new record.
func (s *PgStore) Create(ctx context.Context, rec *model.WorkRecord) error {
	tags, data, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	err = s.pool.QueryRow(ctx, `
		INSERT INTO work_records (
			work_type, ref, tags, actionable_by, closed, visible, data,
			created_by, closed_by, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1)
		RETURNING id`,
		rec.WorkType, rec.Ref, tags, rec.ActionableBy, rec.Closed, rec.Visible, data,
		rec.CreatedBy, rec.ClosedBy, now,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("insert work record: %w", err)
	}
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return nil
}

const recordColumns = `id, work_type, ref, tags, actionable_by, closed, visible, data,
	created_by, closed_by, created_at, updated_at, version`

// Get retrieves a record by identity.
func (s *PgStore) Get(ctx context.Context, id int64) (model.WorkRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM work_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkRecord{}, notFound(id)
	}
	if err != nil {
		return model.WorkRecord{}, fmt.Errorf("query work record: %w", err)
	}
	return rec, nil
}

// Save persists rec with optimistic locking.
func (s *PgStore) Save(ctx context.Context, rec *model.WorkRecord) error {
	tags, data, err := marshalRecord(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_records SET
			tags = $1,
			actionable_by = $2,
			closed = $3,
			visible = $4,
			data = $5,
			closed_by = $6,
			updated_at = $7,
			version = $8
		WHERE id = $9 AND version = $10`,
		tags, rec.ActionableBy, rec.Closed, rec.Visible, data, rec.ClosedBy, now,
		rec.Version+1, rec.ID, rec.Version,
	)
	if err != nil {
		return fmt.Errorf("update work record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("work record %d version conflict (expected %d)", rec.ID, rec.Version),
		)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

// Find returns matching records ordered by identity.
func (s *PgStore) Find(ctx context.Context, f Filter) ([]model.WorkRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM work_records WHERE TRUE`
	var args []any

	if f.WorkType != "" {
		args = append(args, f.WorkType)
		query += fmt.Sprintf(" AND work_type = $%d", len(args))
	}
	if f.Ref != "" {
		args = append(args, f.Ref)
		query += fmt.Sprintf(" AND ref = $%d", len(args))
	}
	if len(f.Tags) > 0 {
		contains, err := json.Marshal(f.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshal tag filter: %w", err)
		}
		args = append(args, contains)
		query += fmt.Sprintf(" AND tags @> $%d", len(args))
	}
	if f.OpenOnly {
		query += " AND NOT closed"
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query work records: %w", err)
	}
	defer rows.Close()

	var records []model.WorkRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan work record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func marshalRecord(rec *model.WorkRecord) (tags, data []byte, err error) {
	t := rec.Tags
	if t == nil {
		t = map[string]string{}
	}
	tags, err = json.Marshal(t)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal tags: %w", err)
	}
	if rec.Data != nil {
		data, err = json.Marshal(rec.Data)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal data: %w", err)
		}
	}
	return tags, data, nil
}

func scanRecord(row pgx.Row) (model.WorkRecord, error) {
	var rec model.WorkRecord
	var tags, data []byte
	if err := row.Scan(
		&rec.ID, &rec.WorkType, &rec.Ref, &tags, &rec.ActionableBy, &rec.Closed, &rec.Visible, &data,
		&rec.CreatedBy, &rec.ClosedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version,
	); err != nil {
		return model.WorkRecord{}, err
	}
	if err := json.Unmarshal(tags, &rec.Tags); err != nil {
		return model.WorkRecord{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &rec.Data); err != nil {
			return model.WorkRecord{}, fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return rec, nil
}
