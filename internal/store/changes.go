package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/fhirengine/internal/resource"
)

// ChangeType is the kind of a local mutation.
type ChangeType string

const (
	ChangeCreate ChangeType = "CREATE"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"

	// ChangeNoop marks a squashed chain that cancels out (created then
	// deleted before any upload). Nothing is sent; its seqs are still
	// confirmed.
	ChangeNoop ChangeType = "NOOP"
)

// LocalChange is one entry of the local change log.
type LocalChange struct {
	Seq          int64
	ResourceType string
	LogicalID    string
	Type         ChangeType
	VersionID    int64

	// BaseRemoteVersion is the remote version the record had locally when
	// the change was made; empty when the remote has never seen it.
	BaseRemoteVersion string

	// Resource is the payload after the change; nil for DELETE.
	Resource *resource.Resource

	CreatedAt time.Time
}

// Ref returns the changed record's reference.
func (c LocalChange) Ref() resource.Reference {
	return resource.Reference{Type: c.ResourceType, ID: c.LogicalID}
}

// LocalChanges returns every pending change in commit order.
func (s *Store) LocalChanges(ctx context.Context) ([]LocalChange, error) {
	return s.queryChanges(ctx, s.db, "", nil)
}

// LocalChangesFor returns the pending changes of one record in commit order.
func (s *Store) LocalChangesFor(ctx context.Context, typ, id string) ([]LocalChange, error) {
	return s.queryChanges(ctx, s.db, "WHERE resource_type = ? AND logical_id = ?", []any{typ, id})
}

func (s *Store) queryChanges(ctx context.Context, q querier, where string, args []any) ([]LocalChange, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq, resource_type, logical_id, change_type, version_id, base_remote_version, payload, created_at
		FROM local_changes `+where+`
		ORDER BY seq ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query local changes: %w", err)
	}
	defer rows.Close()

	changes := []LocalChange{}
	for rows.Next() {
		var (
			c         LocalChange
			ct        string
			payload   []byte
			createdAt string
		)
		if err := rows.Scan(&c.Seq, &c.ResourceType, &c.LogicalID, &ct, &c.VersionID, &c.BaseRemoteVersion, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan local change: %w", err)
		}
		c.Type = ChangeType(ct)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if payload != nil {
			r, err := s.decode(c.ResourceType, c.LogicalID, c.VersionID, createdAt, payload)
			if err != nil {
				return nil, err
			}
			c.Resource = &r
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local changes: %w", err)
	}
	return changes, nil
}

// PurgeLocalChanges deletes every change with seq <= upToSeq.
// Purging an already-purged range is a no-op.
func (s *Store) PurgeLocalChanges(ctx context.Context, upToSeq int64) (err error) {
	defer func() { s.metrics.RecordStoreOp("purge", err) }()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_changes WHERE seq <= ?`, upToSeq); err != nil {
		return fmt.Errorf("purge local changes: %w", err)
	}
	return nil
}

// PurgeChanges deletes exactly the given seqs. Unknown seqs are ignored.
func (s *Store) PurgeChanges(ctx context.Context, seqs []int64) error {
	return purgeSeqs(ctx, s.db, seqs)
}

func purgeSeqs(ctx context.Context, tx execer, seqs []int64) error {
	if len(seqs) == 0 {
		return nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(seqs)), ", ")
	args := make([]any, len(seqs))
	for i, seq := range seqs {
		args[i] = seq
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM local_changes WHERE seq IN (`+marks+`)`, args...); err != nil {
		return fmt.Errorf("purge changes: %w", err)
	}
	return nil
}

// hasPendingChange reports whether (typ, id) has a change not in skip.
func hasPendingChange(ctx context.Context, q querier, typ, id string, skip map[int64]bool) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq FROM local_changes
		WHERE resource_type = ? AND logical_id = ?
		ORDER BY seq ASC
	`, typ, id)
	if err != nil {
		return false, fmt.Errorf("pending changes %s/%s: %w", typ, id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return false, err
		}
		if !skip[seq] {
			return true, nil
		}
	}
	return false, rows.Err()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Squashed is the net effect of one record's change chain.
type Squashed struct {
	Type              ChangeType
	ResourceType      string
	LogicalID         string
	VersionID         int64
	BaseRemoteVersion string
	Resource          *resource.Resource

	// Seqs lists every change folded into this unit.
	Seqs []int64
}

// Ref returns the record's reference.
func (u Squashed) Ref() resource.Reference {
	return resource.Reference{Type: u.ResourceType, ID: u.LogicalID}
}

// MaxSeq returns the largest folded seq.
func (u Squashed) MaxSeq() int64 {
	var m int64
	for _, s := range u.Seqs {
		m = max(m, s)
	}
	return m
}

// SquashChanges folds each record's chain into one unit. Units are
// ordered by the seq of their first change.
//
// Folding rules, by first and last change of a chain:
//   - CREATE ... DELETE → NOOP
//   - CREATE ... any    → CREATE with the final payload
//   - other  ... DELETE → DELETE
//   - other  ... other  → UPDATE with the final payload
//
// The base remote version is the first change's, since that is what the
// remote holds.
func SquashChanges(changes []LocalChange) []Squashed {
	index := map[resource.Reference]int{}
	var units []Squashed
	firsts := []ChangeType{}

	for _, c := range changes {
		i, ok := index[c.Ref()]
		if !ok {
			index[c.Ref()] = len(units)
			units = append(units, Squashed{
				Type:              c.Type,
				ResourceType:      c.ResourceType,
				LogicalID:         c.LogicalID,
				VersionID:         c.VersionID,
				BaseRemoteVersion: c.BaseRemoteVersion,
				Resource:          c.Resource,
				Seqs:              []int64{c.Seq},
			})
			firsts = append(firsts, c.Type)
			continue
		}

		u := &units[i]
		u.Seqs = append(u.Seqs, c.Seq)
		u.VersionID = c.VersionID
		u.Resource = c.Resource
		switch {
		case firsts[i] == ChangeCreate && c.Type == ChangeDelete:
			u.Type = ChangeNoop
		case firsts[i] == ChangeCreate:
			u.Type = ChangeCreate
		case c.Type == ChangeDelete:
			u.Type = ChangeDelete
		default:
			u.Type = ChangeUpdate
		}
	}
	return units
}

// Unsquashed wraps each change as its own unit, preserving commit order.
func Unsquashed(changes []LocalChange) []Squashed {
	units := make([]Squashed, len(changes))
	for i, c := range changes {
		units[i] = Squashed{
			Type:              c.Type,
			ResourceType:      c.ResourceType,
			LogicalID:         c.LogicalID,
			VersionID:         c.VersionID,
			BaseRemoteVersion: c.BaseRemoteVersion,
			Resource:          c.Resource,
			Seqs:              []int64{c.Seq},
		}
	}
	return units
}
