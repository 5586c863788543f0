package store

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/roach88/fhirengine/internal/resource"
)

const syncTokenKey = "sync_token"

// ConflictPolicy decides what happens when a downloaded version meets a
// record that still has pending local changes.
type ConflictPolicy string

const (
	// LocalWins keeps the local record and records the remote version as a
	// deferred conflict.
	LocalWins ConflictPolicy = "local-wins"

	// RemoteWins applies the remote version and discards the pending local
	// changes of that record.
	RemoteWins ConflictPolicy = "remote-wins"
)

// ParseConflictPolicy parses a policy name.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch ConflictPolicy(s) {
	case LocalWins, RemoteWins:
		return ConflictPolicy(s), nil
	case "":
		return LocalWins, nil
	}
	return "", fmt.Errorf("unknown download conflict policy %q", s)
}

// RemoteChange is one record as reported by the remote repository.
// Resource.Deleted marks a remote deletion.
type RemoteChange struct {
	Resource      resource.Resource
	RemoteVersion string
}

// RemoteBatch is one downloaded page plus its bookkeeping.
type RemoteBatch struct {
	Changes []RemoteChange

	// Token is stored as the new sync token when non-empty.
	Token string

	// Confirmed lists local change seqs the remote acknowledged. They are
	// purged in the same transaction and no longer count as pending.
	Confirmed []int64

	Policy ConflictPolicy
}

// ApplyResult counts what ApplyRemoteBatch did.
type ApplyResult struct {
	Applied   int
	Unchanged int
	Deferred  int
	Discarded int
}

// ApplyRemoteBatch applies a downloaded batch atomically: confirmed local
// changes are purged, remote versions are written (or deferred), and the
// sync token advances. If anything fails nothing is committed.
//
// Re-applying a version the store already holds is a no-op, so a batch
// interrupted before commit can simply be downloaded and applied again.
func (s *Store) ApplyRemoteBatch(ctx context.Context, batch RemoteBatch) (res ApplyResult, err error) {
	defer func() { s.metrics.RecordStoreOp("apply_remote", err) }()

	if batch.Policy == "" {
		batch.Policy = LocalWins
	}
	refs := make([]resource.Reference, 0, len(batch.Changes))
	for _, ch := range batch.Changes {
		refs = append(refs, ch.Resource.Ref())
	}
	unlock := s.locks.lock(refs...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("apply remote: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := purgeSeqs(ctx, tx, batch.Confirmed); err != nil {
		return res, fmt.Errorf("apply remote: %w", err)
	}

	now := s.clock.Now()
	for _, ch := range batch.Changes {
		if err := s.applyRemote(ctx, tx, ch, batch.Policy, now, &res); err != nil {
			return ApplyResult{}, fmt.Errorf("apply remote %s: %w", ch.Resource.Ref(), err)
		}
	}

	if batch.Token != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, syncTokenKey, batch.Token); err != nil {
			return ApplyResult{}, fmt.Errorf("apply remote: write token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("apply remote: commit: %w", err)
	}

	s.logger.Debug().
		Int("applied", res.Applied).
		Int("unchanged", res.Unchanged).
		Int("deferred", res.Deferred).
		Int("discarded", res.Discarded).
		Str("token", batch.Token).
		Msg("remote batch applied")
	return res, nil
}

func (s *Store) applyRemote(ctx context.Context, tx execer, ch RemoteChange, policy ConflictPolicy, now time.Time, res *ApplyResult) error {
	r := ch.Resource
	if r.Type == "" || r.ID == "" {
		return resource.NewValidationError("remote resource needs type and id")
	}
	if !r.Deleted {
		r = prepare(r)
	}

	cur, found, err := loadRow(ctx, tx, r.Type, r.ID)
	if err != nil {
		return err
	}
	if found && ch.RemoteVersion != "" && cur.remoteVersion == ch.RemoteVersion && cur.deleted == r.Deleted {
		same := r.Deleted
		if !same {
			hash, err := resource.ContentHash(r.Content)
			if err != nil {
				return err
			}
			same = hash == cur.contentHash
		}
		if same {
			res.Unchanged++
			return nil
		}
	}

	pending, err := hasPendingChange(ctx, tx, r.Type, r.ID, nil)
	if err != nil {
		return err
	}
	if pending {
		if policy == LocalWins {
			if err := s.recordDeferred(ctx, tx, ch, now); err != nil {
				return err
			}
			res.Deferred++
			s.logger.Info().
				Str("resource_type", r.Type).
				Str("logical_id", r.ID).
				Str("remote_version", ch.RemoteVersion).
				Msg("remote version deferred: pending local changes")
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_changes WHERE resource_type = ? AND logical_id = ?`,
			r.Type, r.ID,
		); err != nil {
			return fmt.Errorf("discard local changes: %w", err)
		}
		res.Discarded++
		s.logger.Warn().
			Str("resource_type", r.Type).
			Str("logical_id", r.ID).
			Msg("local changes discarded: remote wins")
	}

	if err := s.writeRemote(ctx, tx, r, ch.RemoteVersion, cur, found, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deferred_conflicts WHERE resource_type = ? AND logical_id = ?`,
		r.Type, r.ID,
	); err != nil {
		return fmt.Errorf("clear deferred conflict: %w", err)
	}
	res.Applied++
	return nil
}

// writeRemote stores a remote version as the next local version without
// logging a local change.
func (s *Store) writeRemote(ctx context.Context, tx execer, r resource.Resource, remoteVersion string, cur row, found bool, now time.Time) error {
	r.VersionID = 1
	if found {
		r.VersionID = cur.version + 1
	}
	if r.LastUpdated.IsZero() {
		r.LastUpdated = now
	}
	_, err := s.writeRow(ctx, tx, r, remoteVersion)
	return err
}

func (s *Store) recordDeferred(ctx context.Context, tx execer, ch RemoteChange, now time.Time) error {
	var payload []byte
	if !ch.Resource.Deleted {
		var err error
		if payload, err = s.codec.Encode(ch.Resource); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deferred_conflicts
		(resource_type, logical_id, remote_version, payload, deleted, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, logical_id) DO UPDATE SET
			remote_version = excluded.remote_version,
			payload = excluded.payload,
			deleted = excluded.deleted,
			recorded_at = excluded.recorded_at
	`,
		ch.Resource.Type,
		ch.Resource.ID,
		ch.RemoteVersion,
		payload,
		ch.Resource.Deleted,
		formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("record deferred conflict: %w", err)
	}
	return nil
}

// RecordConflict records the version the remote holds for a record whose
// upload it refused. The pending local changes stay as they are until
// ResolveDeferredConflict settles the record. ch.Resource.Deleted marks a
// record the remote does not hold.
func (s *Store) RecordConflict(ctx context.Context, ch RemoteChange) (err error) {
	defer func() { s.metrics.RecordStoreOp("record_conflict", err) }()

	r := ch.Resource
	if r.Type == "" || r.ID == "" {
		return resource.NewValidationError("conflicting remote resource needs type and id")
	}
	unlock := s.locks.lock(r.Ref())
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record conflict: begin tx: %w", err)
	}
	defer tx.Rollback()

	if !r.Deleted {
		ch.Resource = prepare(r)
	}
	if err := s.recordDeferred(ctx, tx, ch, s.clock.Now()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record conflict: commit: %w", err)
	}

	s.logger.Info().
		Str("resource_type", r.Type).
		Str("logical_id", r.ID).
		Str("remote_version", ch.RemoteVersion).
		Msg("upload conflict recorded")
	return nil
}

// SyncToken returns the token of the last applied download batch, or ""
// before the first sync.
func (s *Store) SyncToken(ctx context.Context) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, syncTokenKey).Scan(&token)
	if isNoRows(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read sync token: %w", err)
	}
	return token, nil
}

// DeferredConflict is a remote version held back by pending local edits.
type DeferredConflict struct {
	ResourceType  string
	LogicalID     string
	RemoteVersion string
	Remote        resource.Resource
	RecordedAt    time.Time
}

// DeferredConflicts lists deferred conflicts ordered by type and id.
func (s *Store) DeferredConflicts(ctx context.Context) ([]DeferredConflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT resource_type, logical_id, remote_version, payload, deleted, recorded_at
		FROM deferred_conflicts
		ORDER BY resource_type COLLATE BINARY ASC, logical_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query deferred conflicts: %w", err)
	}
	defer rows.Close()

	out := []DeferredConflict{}
	for rows.Next() {
		d, err := s.scanDeferred(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deferred conflicts: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDeferred(sc scanner) (DeferredConflict, error) {
	var (
		d          DeferredConflict
		payload    []byte
		deleted    bool
		recordedAt string
	)
	if err := sc.Scan(&d.ResourceType, &d.LogicalID, &d.RemoteVersion, &payload, &deleted, &recordedAt); err != nil {
		return d, fmt.Errorf("scan deferred conflict: %w", err)
	}
	var err error
	if d.RecordedAt, err = parseTime(recordedAt); err != nil {
		return d, err
	}
	if deleted || payload == nil {
		d.Remote = resource.Resource{Type: d.ResourceType, ID: d.LogicalID, Deleted: true}
		return d, nil
	}
	if d.Remote, err = s.codec.Decode(payload); err != nil {
		return d, fmt.Errorf("decode deferred %s/%s: %w", d.ResourceType, d.LogicalID, err)
	}
	d.Remote.Type, d.Remote.ID = d.ResourceType, d.LogicalID
	return d, nil
}

// Resolution chooses the outcome of a deferred conflict.
type Resolution string

const (
	// KeepLocal rebases the pending local changes onto the remote version,
	// so the next upload overwrites the remote.
	KeepLocal Resolution = "keep-local"

	// AcceptRemote applies the remote version and discards the pending
	// local changes.
	AcceptRemote Resolution = "accept-remote"
)

// ResolveDeferredConflict settles one deferred conflict. It fails with a
// NotFoundError when no conflict is recorded for the record.
func (s *Store) ResolveDeferredConflict(ctx context.Context, typ, id string, how Resolution) (err error) {
	defer func() { s.metrics.RecordStoreOp("resolve_conflict", err) }()

	unlock := s.locks.lock(resource.Reference{Type: typ, ID: id})
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("resolve conflict: begin tx: %w", err)
	}
	defer tx.Rollback()

	d, err := s.scanDeferred(tx.QueryRowContext(ctx, `
		SELECT resource_type, logical_id, remote_version, payload, deleted, recorded_at
		FROM deferred_conflicts
		WHERE resource_type = ? AND logical_id = ?
	`, typ, id))
	if err != nil {
		if isNoRows(err) {
			return resource.NewNotFoundError(typ, id)
		}
		return err
	}

	switch how {
	case KeepLocal:
		if _, err := tx.ExecContext(ctx, `
			UPDATE local_changes SET base_remote_version = ?
			WHERE resource_type = ? AND logical_id = ?
		`, d.RemoteVersion, typ, id); err != nil {
			return fmt.Errorf("rebase local changes: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE resources SET remote_version = ?
			WHERE resource_type = ? AND logical_id = ?
		`, d.RemoteVersion, typ, id); err != nil {
			return fmt.Errorf("rebase resource: %w", err)
		}
	case AcceptRemote:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM local_changes WHERE resource_type = ? AND logical_id = ?`, typ, id,
		); err != nil {
			return fmt.Errorf("discard local changes: %w", err)
		}
		cur, found, err := loadRow(ctx, tx, typ, id)
		if err != nil {
			return err
		}
		remote := d.Remote
		if !remote.Deleted {
			remote = prepare(remote)
		}
		if err := s.writeRemote(ctx, tx, remote, d.RemoteVersion, cur, found, s.clock.Now()); err != nil {
			return err
		}
	default:
		return resource.NewValidationError("unknown resolution %q", how)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deferred_conflicts WHERE resource_type = ? AND logical_id = ?`, typ, id,
	); err != nil {
		return fmt.Errorf("clear deferred conflict: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("resolve conflict: commit: %w", err)
	}

	s.logger.Info().
		Str("resource_type", typ).
		Str("logical_id", id).
		Str("resolution", string(how)).
		Msg("deferred conflict resolved")
	return nil
}

// PendingRefs returns the distinct records with pending changes, sorted.
func (s *Store) PendingRefs(ctx context.Context) ([]resource.Reference, error) {
	changes, err := s.LocalChanges(ctx)
	if err != nil {
		return nil, err
	}
	seen := map[resource.Reference]bool{}
	var refs []resource.Reference
	for _, c := range changes {
		if !seen[c.Ref()] {
			seen[c.Ref()] = true
			refs = append(refs, c.Ref())
		}
	}
	slices.SortFunc(refs, func(a, b resource.Reference) int {
		return resource.CompareUTF16(a.String(), b.String())
	})
	return refs, nil
}

// RecordUpload notes that the remote accepted a change of ref and now
// holds remoteVersion. The record and its pending changes are rebased
// onto that version, so edits made since upload without a conflict.
func (s *Store) RecordUpload(ctx context.Context, ref resource.Reference, remoteVersion string) (err error) {
	defer func() { s.metrics.RecordStoreOp("record_upload", err) }()

	unlock := s.locks.lock(ref)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("record upload: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE resources SET remote_version = ?
		WHERE resource_type = ? AND logical_id = ?
	`, remoteVersion, ref.Type, ref.ID); err != nil {
		return fmt.Errorf("record upload %s: %w", ref, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE local_changes SET base_remote_version = ?
		WHERE resource_type = ? AND logical_id = ?
	`, remoteVersion, ref.Type, ref.ID); err != nil {
		return fmt.Errorf("record upload %s: %w", ref, err)
	}
	// The remote now holds the local version, so a conflict recorded
	// earlier is settled.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deferred_conflicts WHERE resource_type = ? AND logical_id = ?`,
		ref.Type, ref.ID,
	); err != nil {
		return fmt.Errorf("record upload %s: %w", ref, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("record upload: commit: %w", err)
	}
	return nil
}
