package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/testutil"
)

// createTestStore creates a new on-disk store with a fake clock.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithClock(testutil.NewFakeClock())}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// mustCreate creates r or fails the test.
func mustCreate(t *testing.T, s *Store, r resource.Resource) string {
	t.Helper()
	id, err := s.Create(context.Background(), r)
	if err != nil {
		t.Fatalf("Create(%s) failed: %v", r.Ref(), err)
	}
	return id
}

// remoteVersionOf reads the stored remote version of a record.
func remoteVersionOf(t *testing.T, s *Store, typ, id string) string {
	t.Helper()
	var v string
	if err := s.db.QueryRow(
		`SELECT remote_version FROM resources WHERE resource_type = ? AND logical_id = ?`, typ, id,
	).Scan(&v); err != nil {
		t.Fatalf("read remote_version: %v", err)
	}
	return v
}

// familyOf returns the first family name of a Patient, or "".
func familyOf(r resource.Resource) string {
	names, _ := r.Content["name"].([]any)
	if len(names) == 0 {
		return ""
	}
	name, _ := names[0].(map[string]any)
	family, _ := name["family"].(string)
	return family
}
