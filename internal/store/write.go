package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/fhirengine/internal/resource"
)

// Create stores a new resource at versionId 1 and returns its logical id.
// An id is assigned when r.ID is empty. Creating over a tombstone replaces
// it; creating over a live record fails with a ConflictError.
func (s *Store) Create(ctx context.Context, r resource.Resource) (string, error) {
	ids, err := s.CreateAll(ctx, r)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// CreateAll creates several resources in one transaction and returns
// their logical ids in argument order. Either all are created or none.
func (s *Store) CreateAll(ctx context.Context, rs ...resource.Resource) (ids []string, err error) {
	defer func() { s.metrics.RecordStoreOp("create", err) }()

	if len(rs) == 0 {
		return []string{}, nil
	}

	prepared := make([]resource.Resource, len(rs))
	refs := make([]resource.Reference, len(rs))
	seen := make(map[resource.Reference]bool, len(rs))
	for i, r := range rs {
		if r.Type == "" {
			return nil, resource.NewValidationError("create: resource %d has no type", i)
		}
		if r.ID == "" {
			r.ID = s.ids.Generate()
		}
		if seen[r.Ref()] {
			return nil, resource.NewConflictError(r.Type, r.ID, "duplicate id in create batch")
		}
		seen[r.Ref()] = true
		prepared[i] = prepare(r)
		refs[i] = r.Ref()
	}

	unlock := s.locks.lock(refs...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	now := s.clock.Now()
	for _, r := range prepared {
		if err := s.createTx(ctx, tx, r, now); err != nil {
			return nil, fmt.Errorf("create %s: %w", r.Ref(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create: commit: %w", err)
	}

	ids = make([]string, len(prepared))
	for i, r := range prepared {
		ids[i] = r.ID
		s.logger.Debug().
			Str("resource_type", r.Type).
			Str("logical_id", r.ID).
			Int64("version_id", 1).
			Msg("resource created")
	}
	return ids, nil
}

func (s *Store) createTx(ctx context.Context, tx execer, r resource.Resource, now time.Time) error {
	cur, found, err := loadRow(ctx, tx, r.Type, r.ID)
	if err != nil {
		return err
	}
	if found && !cur.deleted {
		return resource.NewConflictError(r.Type, r.ID, "resource already exists")
	}

	r.VersionID = 1
	r.LastUpdated = now
	r.Deleted = false

	payload, err := s.writeRow(ctx, tx, r, cur.remoteVersion)
	if err != nil {
		return err
	}
	return s.appendChange(ctx, tx, ChangeCreate, r, cur.remoteVersion, payload, now)
}

// Update stores a new version of an existing resource and returns the new
// versionId. Missing or tombstoned records fail with a NotFoundError.
func (s *Store) Update(ctx context.Context, r resource.Resource) (version int64, err error) {
	defer func() { s.metrics.RecordStoreOp("update", err) }()

	if r.Type == "" || r.ID == "" {
		return 0, resource.NewValidationError("update: resource needs type and id")
	}
	r = prepare(r)

	unlock := s.locks.lock(r.Ref())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("update: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, found, err := loadRow(ctx, tx, r.Type, r.ID)
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	if !found || cur.deleted {
		return 0, resource.NewNotFoundError(r.Type, r.ID)
	}

	if err := s.updateTx(ctx, tx, r, cur, s.clock.Now()); err != nil {
		return 0, fmt.Errorf("update %s: %w", r.Ref(), err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("update: commit: %w", err)
	}

	s.logger.Debug().
		Str("resource_type", r.Type).
		Str("logical_id", r.ID).
		Int64("version_id", cur.version+1).
		Msg("resource updated")
	return cur.version + 1, nil
}

func (s *Store) updateTx(ctx context.Context, tx execer, r resource.Resource, cur row, now time.Time) error {
	r.VersionID = cur.version + 1
	r.LastUpdated = now
	r.Deleted = false

	payload, err := s.writeRow(ctx, tx, r, cur.remoteVersion)
	if err != nil {
		return err
	}
	return s.appendChange(ctx, tx, ChangeUpdate, r, cur.remoteVersion, payload, now)
}

// Outcome says what Upsert did with one resource.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Upsert writes resources that carry their ids in one transaction and
// returns an Outcome per resource in argument order. Missing or
// tombstoned records are created. Live records are updated when their
// content differs and left at their version when it matches. Either every
// write commits or none does.
func (s *Store) Upsert(ctx context.Context, rs ...resource.Resource) (outcomes []Outcome, err error) {
	defer func() { s.metrics.RecordStoreOp("upsert", err) }()

	if len(rs) == 0 {
		return []Outcome{}, nil
	}

	prepared := make([]resource.Resource, len(rs))
	refs := make([]resource.Reference, len(rs))
	seen := make(map[resource.Reference]bool, len(rs))
	for i, r := range rs {
		if r.Type == "" || r.ID == "" {
			return nil, resource.NewValidationError("upsert: resource %d needs type and id", i)
		}
		if seen[r.Ref()] {
			return nil, resource.NewConflictError(r.Type, r.ID, "duplicate id in upsert batch")
		}
		seen[r.Ref()] = true
		prepared[i] = prepare(r)
		refs[i] = r.Ref()
	}

	unlock := s.locks.lock(refs...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("upsert: begin tx: %w", err)
	}
	defer tx.Rollback()

	now := s.clock.Now()
	outcomes = make([]Outcome, len(prepared))
	for i, r := range prepared {
		cur, found, err := loadRow(ctx, tx, r.Type, r.ID)
		if err != nil {
			return nil, fmt.Errorf("upsert: %w", err)
		}
		if !found || cur.deleted {
			if err := s.createTx(ctx, tx, r, now); err != nil {
				return nil, fmt.Errorf("upsert %s: %w", r.Ref(), err)
			}
			outcomes[i] = OutcomeCreated
			continue
		}

		hash, err := resource.ContentHash(r.Content)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: %w", r.Ref(), err)
		}
		if hash == cur.contentHash {
			outcomes[i] = OutcomeUnchanged
			continue
		}
		if err := s.updateTx(ctx, tx, r, cur, now); err != nil {
			return nil, fmt.Errorf("upsert %s: %w", r.Ref(), err)
		}
		outcomes[i] = OutcomeUpdated
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("upsert: commit: %w", err)
	}

	for i, r := range prepared {
		if outcomes[i] == OutcomeUnchanged {
			continue
		}
		s.logger.Debug().
			Str("resource_type", r.Type).
			Str("logical_id", r.ID).
			Str("outcome", string(outcomes[i])).
			Msg("resource upserted")
	}
	return outcomes, nil
}

// Delete tombstones a resource. The tombstone keeps the logical id and
// gets the next versionId; Get and Search stop returning it.
func (s *Store) Delete(ctx context.Context, typ, id string) (err error) {
	defer func() { s.metrics.RecordStoreOp("delete", err) }()

	ref := resource.Reference{Type: typ, ID: id}
	unlock := s.locks.lock(ref)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete: begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, found, err := loadRow(ctx, tx, typ, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !found || cur.deleted {
		return resource.NewNotFoundError(typ, id)
	}

	now := s.clock.Now()
	tomb := resource.Resource{Type: typ, ID: id, VersionID: cur.version + 1, LastUpdated: now, Deleted: true}
	if _, err := s.writeRow(ctx, tx, tomb, cur.remoteVersion); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}
	if err := s.appendChange(ctx, tx, ChangeDelete, tomb, cur.remoteVersion, nil, now); err != nil {
		return fmt.Errorf("delete %s: %w", ref, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete: commit: %w", err)
	}

	s.logger.Debug().
		Str("resource_type", typ).
		Str("logical_id", id).
		Int64("version_id", tomb.VersionID).
		Msg("resource deleted")
	return nil
}

// writeRow upserts the record row and rebuilds its index rows. It returns
// the encoded payload (nil for tombstones).
func (s *Store) writeRow(ctx context.Context, tx execer, r resource.Resource, remoteVersion string) ([]byte, error) {
	var (
		payload []byte
		hash    string
		err     error
	)
	if !r.Deleted {
		if payload, err = s.codec.Encode(r); err != nil {
			return nil, err
		}
		if hash, err = resource.ContentHash(r.Content); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO resources
		(resource_type, logical_id, version_id, last_updated, deleted, remote_version, content_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, logical_id) DO UPDATE SET
			version_id = excluded.version_id,
			last_updated = excluded.last_updated,
			deleted = excluded.deleted,
			remote_version = excluded.remote_version,
			content_hash = excluded.content_hash,
			payload = excluded.payload
	`,
		r.Type,
		r.ID,
		r.VersionID,
		formatTime(r.LastUpdated),
		r.Deleted,
		remoteVersion,
		hash,
		payload,
	)
	if err != nil {
		return nil, fmt.Errorf("write row: %w", err)
	}

	if err := s.writeIndex(ctx, tx, r); err != nil {
		return nil, err
	}
	return payload, nil
}

// appendChange records a local mutation. seq is assigned by SQLite and
// therefore follows commit order.
func (s *Store) appendChange(ctx context.Context, tx execer, ct ChangeType, r resource.Resource, base string, payload []byte, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_changes
		(resource_type, logical_id, change_type, version_id, base_remote_version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		r.Type,
		r.ID,
		string(ct),
		r.VersionID,
		base,
		payload,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("append local change: %w", err)
	}
	return nil
}
