package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/fhirengine/internal/resource"
)

// timeLayout is used for every timestamp column. Fixed width keeps
// lexical and chronological order identical.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// row is the stored state of one record, without decoding its payload.
type row struct {
	version       int64
	lastUpdated   string
	deleted       bool
	remoteVersion string
	contentHash   string
	payload       []byte
}

// loadRow reads the current row of (typ, id). found is false when the
// record has never existed; tombstones are found with deleted set.
func loadRow(ctx context.Context, q querier, typ, id string) (r row, found bool, err error) {
	err = q.QueryRowContext(ctx, `
		SELECT version_id, last_updated, deleted, remote_version, content_hash, payload
		FROM resources
		WHERE resource_type = ? AND logical_id = ?
	`, typ, id).Scan(&r.version, &r.lastUpdated, &r.deleted, &r.remoteVersion, &r.contentHash, &r.payload)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("load %s/%s: %w", typ, id, err)
	}
	return r, true, nil
}

// prepare returns a copy of r whose content carries its envelope fields,
// so hashes and payloads agree on resourceType and id.
func prepare(r resource.Resource) resource.Resource {
	out := r.Clone()
	if out.Content == nil {
		out.Content = map[string]any{}
	}
	out.Content["resourceType"] = out.Type
	out.Content["id"] = out.ID
	return out
}

// decode rebuilds a resource from a payload. Row columns win over any
// envelope values inside the payload.
func (s *Store) decode(typ, id string, version int64, lastUpdated string, payload []byte) (resource.Resource, error) {
	r, err := s.codec.Decode(payload)
	if err != nil {
		return resource.Resource{}, fmt.Errorf("decode %s/%s: %w", typ, id, err)
	}
	r.Type = typ
	r.ID = id
	r.VersionID = version
	if r.LastUpdated, err = parseTime(lastUpdated); err != nil {
		return resource.Resource{}, err
	}
	return r, nil
}

// scanResources reads rows selected with the querysql column order and
// closes them.
func (s *Store) scanResources(rows *sql.Rows) ([]resource.Resource, error) {
	defer rows.Close()

	out := []resource.Resource{}
	for rows.Next() {
		var (
			typ, id, lastUpdated string
			version              int64
			payload              []byte
		)
		if err := rows.Scan(&typ, &id, &version, &lastUpdated, &payload); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r, err := s.decode(typ, id, version, lastUpdated, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}
