// Package postgres is the contracts.MetadataStore adapter: record/draft
// CRUD backed by pgxpool, plus the generic Exec/Query/QueryRow escape
// hatch the sagastate and lock packages use for their own tables. Uses the same atomic-SQL idiom throughout (explicit statements,
// RowsAffected()==0 -> not-found) across the full record/draft schema.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"civicrecords.dev/platform/contracts"
	"civicrecords.dev/platform/record"
)

// Store is the production contracts.MetadataStore implementation.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store bound to pool. The caller applies migrations.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NotFoundError is returned when a record or draft id doesn't exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s not found: %s", e.Kind, e.ID) }

func (s *Store) CreateRecord(ctx context.Context, r *record.Record) error {
	metadataJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO records (id, title, type, status, workflow_state, body, metadata, author,
			created, updated, path, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.Title, r.Type, r.Status, r.WorkflowState, r.Body, metadataJSON, r.Author,
		r.Created, r.Updated, r.Path, r.SchemaVersion,
	)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetRecord(ctx context.Context, id string) (*record.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, type, status, workflow_state, body, metadata, author, created, updated, path, schema_version
		FROM records WHERE id = $1`, id)

	r := &record.Record{}
	var metadataJSON []byte
	err := row.Scan(&r.ID, &r.Title, &r.Type, &r.Status, &r.WorkflowState, &r.Body, &metadataJSON,
		&r.Author, &r.Created, &r.Updated, &r.Path, &r.SchemaVersion)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Kind: "record", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", id, err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal record metadata: %w", err)
		}
	}
	return r, nil
}

func (s *Store) UpdateRecord(ctx context.Context, r *record.Record) error {
	metadataJSON, err := json.Marshal(r.Metadata)
	if err != nil {
		return fmt.Errorf("marshal record metadata: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET title = $1, status = $2, workflow_state = $3, body = $4, metadata = $5,
			author = $6, updated = $7, path = $8
		WHERE id = $9`,
		r.Title, r.Status, r.WorkflowState, r.Body, metadataJSON, r.Author, r.Updated, r.Path, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "record", ID: r.ID}
	}
	return nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "record", ID: id}
	}
	return nil
}

func (s *Store) RecordExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check record existence %s: %w", id, err)
	}
	return exists, nil
}

func (s *Store) CreateDraft(ctx context.Context, d *record.Draft) error {
	metadataJSON, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshal draft metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO drafts (id, title, type, status, body, metadata, author, created, updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Title, d.Type, d.Status, d.Body, metadataJSON, d.Author, d.Created, d.Updated,
	)
	if err != nil {
		return fmt.Errorf("insert draft %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDraft(ctx context.Context, id string) (*record.Draft, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, type, status, body, metadata, author, created, updated
		FROM drafts WHERE id = $1`, id)

	d := &record.Draft{}
	var metadataJSON []byte
	err := row.Scan(&d.ID, &d.Title, &d.Type, &d.Status, &d.Body, &metadataJSON, &d.Author, &d.Created, &d.Updated)
	if err == pgx.ErrNoRows {
		return nil, &NotFoundError{Kind: "draft", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get draft %s: %w", id, err)
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &d.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal draft metadata: %w", err)
		}
	}
	return d, nil
}

func (s *Store) DeleteDraft(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete draft %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &NotFoundError{Kind: "draft", ID: id}
	}
	return nil
}

func (s *Store) SearchRecords(ctx context.Context, recordType string) ([]*record.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, type, status, workflow_state, body, metadata, author, created, updated, path, schema_version
		FROM records WHERE type = $1 ORDER BY updated DESC`, recordType)
	if err != nil {
		return nil, fmt.Errorf("search records of type %s: %w", recordType, err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		r := &record.Record{}
		var metadataJSON []byte
		if err := rows.Scan(&r.ID, &r.Title, &r.Type, &r.Status, &r.WorkflowState, &r.Body, &metadataJSON,
			&r.Author, &r.Created, &r.Updated, &r.Path, &r.SchemaVersion); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &r.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal record metadata: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Exec backs the sagastate/lock tables' generic escape hatch.
func (s *Store) Exec(ctx context.Context, sql string, args ...interface{}) (int64, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query backs the sagastate/lock tables' generic escape hatch.
func (s *Store) Query(ctx context.Context, sql string, args ...interface{}) (contracts.Rows, error) {
	return s.pool.Query(ctx, sql, args...)
}

// QueryRow backs the sagastate/lock tables' generic escape hatch.
func (s *Store) QueryRow(ctx context.Context, sql string, args ...interface{}) contracts.Row {
	return s.pool.QueryRow(ctx, sql, args...)
}
