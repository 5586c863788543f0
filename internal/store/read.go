package store

import (
	"context"
	"fmt"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
)

// Get returns the current version of a resource. Missing and tombstoned
// records fail with a NotFoundError.
func (s *Store) Get(ctx context.Context, typ, id string) (r resource.Resource, err error) {
	defer func() { s.metrics.RecordStoreOp("get", ignoreNotFound(err)) }()
	return s.get(ctx, s.db, typ, id)
}

func (s *Store) get(ctx context.Context, q querier, typ, id string) (resource.Resource, error) {
	cur, found, err := loadRow(ctx, q, typ, id)
	if err != nil {
		return resource.Resource{}, err
	}
	if !found || cur.deleted {
		return resource.Resource{}, resource.NewNotFoundError(typ, id)
	}
	return s.decode(typ, id, cur.version, cur.lastUpdated, cur.payload)
}

// Search returns the live resources matching q, ordered by q.Sort and
// then by logical id. An empty result is an empty slice, never nil.
func (s *Store) Search(ctx context.Context, q queryir.Search) (rs []resource.Resource, err error) {
	defer func() { s.metrics.RecordStoreOp("search", err) }()
	return s.search(ctx, s.db, q)
}

func (s *Store) search(ctx context.Context, q querier, search queryir.Search) ([]resource.Resource, error) {
	if err := queryir.Validate(search, s.params.Has).Err(); err != nil {
		return nil, resource.NewValidationError("%v", err)
	}
	sql, params, err := s.compiler.Compile(search)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", search.Type, err)
	}
	rows, err := q.QueryContext(ctx, sql, params...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", search.Type, err)
	}
	return s.scanResources(rows)
}

// Count returns the number of live resources matching q.
func (s *Store) Count(ctx context.Context, q queryir.Search) (int, error) {
	if err := queryir.Validate(q, s.params.Has).Err(); err != nil {
		return 0, resource.NewValidationError("%v", err)
	}
	sql, params, err := s.compiler.CompileCount(q)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Type, err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, sql, params...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.Type, err)
	}
	return n, nil
}

// Types returns the resource types that have at least one live record,
// in byte order.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT resource_type FROM resources
		WHERE deleted = 0
		ORDER BY resource_type COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list types: %w", err)
	}
	defer rows.Close()

	types := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan type: %w", err)
		}
		types = append(types, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate types: %w", err)
	}
	return types, nil
}

func ignoreNotFound(err error) error {
	if resource.IsNotFound(err) {
		return nil
	}
	return err
}

// Snapshot is a read-only view of the store pinned to one SQLite read
// transaction: every read through it observes the same committed state.
//
// The store uses a single connection, so other store calls block until
// the snapshot is closed. Never call Store methods while holding one.
type Snapshot struct {
	s  *Store
	tx interface {
		querier
		Rollback() error
	}
}

// Snapshot opens a read-only view. Callers must Close it.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot: begin tx: %w", err)
	}
	// SQLite pins the read snapshot at the first read, so take it now.
	var one int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM sync_state LIMIT 1").Scan(&one); err != nil && !isNoRows(err) {
		tx.Rollback()
		return nil, fmt.Errorf("snapshot: pin: %w", err)
	}
	return &Snapshot{s: s, tx: tx}, nil
}

// Get reads a resource as of the snapshot.
func (v *Snapshot) Get(ctx context.Context, typ, id string) (resource.Resource, error) {
	return v.s.get(ctx, v.tx, typ, id)
}

// Search runs a search as of the snapshot.
func (v *Snapshot) Search(ctx context.Context, q queryir.Search) ([]resource.Resource, error) {
	return v.s.search(ctx, v.tx, q)
}

// SearchParams exposes the store's parameter registry.
func (v *Snapshot) SearchParams() *SearchParams {
	return v.s.params
}

// Close releases the snapshot.
func (v *Snapshot) Close() error {
	return v.tx.Rollback()
}
