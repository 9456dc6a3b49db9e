// Package contracts defines the narrow interfaces the saga coordinator and
// its sagas consume from external collaborators: the metadata store, the
// content repository (commit log), the working-tree filesystem, the
// search index, the subscriber bus, and configuration. Concrete adapters
// live under store/ and config/; nothing in this package talks to a real
// database, git repository, or disk.
//
// Design philosophy: every method here is the smallest surface a saga step
// actually calls. Adapters are free to be as rich as their backing system
// allows, but a saga step never reaches past these contracts.
package contracts

import (
	"context"
	"time"

	"civicrecords.dev/platform/record"
)

// MetadataStore is the relational store of record and draft rows, plus a
// generic SQL escape hatch used by sagastate and lock for their own tables
// (saga_states, saga_resource_locks); idempotency reads through sagastate.
type MetadataStore interface {
	CreateRecord(ctx context.Context, r *record.Record) error
	GetRecord(ctx context.Context, id string) (*record.Record, error)
	UpdateRecord(ctx context.Context, r *record.Record) error
	DeleteRecord(ctx context.Context, id string) error
	RecordExists(ctx context.Context, id string) (bool, error)

	CreateDraft(ctx context.Context, d *record.Draft) error
	GetDraft(ctx context.Context, id string) (*record.Draft, error)
	DeleteDraft(ctx context.Context, id string) error

	SearchRecords(ctx context.Context, recordType string) ([]*record.Record, error)

	// Exec and Query back saga_states/saga_resource_locks tables for the
	// sagastate and lock packages, which own their own SQL.
	Exec(ctx context.Context, sql string, args ...interface{}) (int64, error)
	Query(ctx context.Context, sql string, args ...interface{}) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) Row
}

// Rows is the subset of pgx.Rows the saga-internal stores need.
type Rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close()
	Err() error
}

// Row is the subset of pgx.Row the saga-internal stores need.
type Row interface {
	Scan(dest ...interface{}) error
}

// ContentRepository commits working-tree changes to a version-controlled
// log. Commit must be idempotent over identical content: committing the
// same paths with unchanged content a second time is a no-op, not an
// error.
type ContentRepository interface {
	Commit(ctx context.Context, message string, paths []string) (commitHash string, err error)
}

// Filesystem is the working tree the canonical record files live in. Paths
// are canonical relative paths joined to a configured data root by the
// adapter.
type Filesystem interface {
	WriteFile(ctx context.Context, path string, content []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Rename(ctx context.Context, oldPath, newPath string) error
	Remove(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}

// SearchIndex is consumed fire-and-forget: every saga step calling it
// swallows its own errors, logging only. Nothing here can fail a saga.
type SearchIndex interface {
	GenerateIndexes(ctx context.Context, types []string, rebuild bool) error
	RemoveRecordFromIndex(ctx context.Context, id, recordType string) error
}

// Subscriber emits domain events. Exceptions are swallowed by the calling
// saga step, per the derived-state design note.
type Subscriber interface {
	Emit(ctx context.Context, event string, payload map[string]interface{}) error
}

// ConfigSource is read-only and cached by the schema validator.
type ConfigSource interface {
	GetRecordTypesConfig(ctx context.Context) ([]string, error)
	GetRecordStatusesConfig(ctx context.Context) ([]string, error)
	GetModules(ctx context.Context) ([]ModuleConfig, error)
}

// ModuleConfig declares which record types a schema-extension module
// applies to (e.g. the legal-register module applies to {bylaw, ordinance,
// policy, proclamation, resolution}).
type ModuleConfig struct {
	Name        string
	AppliesTo   []string
	SchemaPath  string
}

// Clock is the single time source threaded through the saga packages so
// tests can control "now" without depending on wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
