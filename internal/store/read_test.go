package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/testutil"
)

func logicalIDs(rs []resource.Resource) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func seedImmunizations(t *testing.T, s *Store) {
	t.Helper()
	_, err := s.CreateAll(context.Background(),
		testutil.Patient("1", "Smith"),
		testutil.Patient("2", "Jones"),
		testutil.Immunization("imm-b", "1", testutil.CVXModerna, "2021-02-01"),
		testutil.Immunization("imm-a", "1", testutil.CVXModerna, "2021-03-01"),
		testutil.Immunization("imm-c", "2", testutil.CVXPfizer, "2021-01-15"),
	)
	require.NoError(t, err)
}

func TestSearch_ByTypeOrdersByLogicalID(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	got, err := s.Search(context.Background(), queryir.Search{Type: "Immunization"})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a", "imm-b", "imm-c"}, logicalIDs(got))
}

func TestSearch_EmptyIsNotNil(t *testing.T) {
	s := createTestStore(t)

	got, err := s.Search(context.Background(), queryir.Search{Type: "Observation"})
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSearch_ReferenceParam(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	got, err := s.Search(context.Background(), queryir.Search{
		Type:   "Immunization",
		Filter: queryir.Equals{Param: "patient", Value: "Patient/1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a", "imm-b"}, logicalIDs(got))
}

func TestSearch_TokenAndDate(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)
	ctx := context.Background()

	got, err := s.Search(ctx, queryir.Search{
		Type:   "Immunization",
		Filter: queryir.Equals{Param: "vaccine-code", Value: testutil.CVXPfizer},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-c"}, logicalIDs(got))

	feb, _ := queryir.ParseDate("2021-02-01")
	got, err = s.Search(ctx, queryir.Search{
		Type:   "Immunization",
		Filter: queryir.Compare{Param: "date", Op: queryir.OpGe, Value: queryir.DateValue(feb)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a", "imm-b"}, logicalIDs(got))
}

func TestSearch_PrefixOnName(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	got, err := s.Search(context.Background(), queryir.Search{
		Type:   "Patient",
		Filter: queryir.Prefix{Param: "name", Value: "Jo"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, logicalIDs(got))
}

func TestSearch_PrefixIsCaseSensitive(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, err := s.CreateAll(ctx,
		testutil.Patient("1", "Jones"),
		testutil.Patient("2", "jones"),
		testutil.Patient("3", "J_nes"),
		testutil.Patient("4", "Jöns"),
	)
	require.NoError(t, err)

	search := func(v string) []string {
		t.Helper()
		got, err := s.Search(ctx, queryir.Search{Type: "Patient", Filter: queryir.Prefix{Param: "name", Value: v}})
		require.NoError(t, err)
		return logicalIDs(got)
	}
	assert.Equal(t, []string{"1"}, search("Jo"))
	assert.Equal(t, []string{"2"}, search("jo"))
	assert.Equal(t, []string{"3"}, search("J_"), "wildcards match literally")
	assert.Equal(t, []string{"4"}, search("Jö"))
}

func TestSearch_SortAndLimit(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	got, err := s.Search(context.Background(), queryir.Search{
		Type: "Immunization",
		Sort: []queryir.SortKey{{Param: "date"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-c", "imm-b", "imm-a"}, logicalIDs(got))

	got, err = s.Search(context.Background(), queryir.Search{
		Type:  "Immunization",
		Sort:  []queryir.SortKey{{Param: "date", Descending: true}},
		Limit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a"}, logicalIDs(got))
}

func TestSearch_UnknownParamIsValidationError(t *testing.T) {
	s := createTestStore(t)

	_, err := s.Search(context.Background(), queryir.Search{
		Type:   "Patient",
		Filter: queryir.Equals{Param: "shoe-size", Value: "9"},
	})
	assert.True(t, resource.IsValidation(err))
}

func TestSearch_SkipsTombstones(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "Immunization", "imm-b"))

	got, err := s.Search(ctx, queryir.Search{Type: "Immunization"})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a", "imm-c"}, logicalIDs(got))

	n, err := s.Count(ctx, queryir.Search{Type: "Immunization"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSearch_IDParam(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	got, err := s.Search(context.Background(), queryir.Search{
		Type:   "Immunization",
		Filter: queryir.In{Param: queryir.IDParam, Values: []string{"imm-c", "imm-a", "missing"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"imm-a", "imm-c"}, logicalIDs(got))
}

func TestTypes(t *testing.T) {
	s := createTestStore(t)
	seedImmunizations(t, s)

	types, err := s.Types(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Immunization", "Patient"}, types)
}

func TestSnapshot_IsStableWhileWriterWaits(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, testutil.Patient("p1", "Before"))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Update(ctx, testutil.Patient("p1", "After"))
		done <- err
	}()

	// The writer cannot commit while the snapshot is open.
	select {
	case err := <-done:
		t.Fatalf("update finished while snapshot open: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	got, err := snap.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.VersionID)
	require.NoError(t, snap.Close())

	require.NoError(t, <-done)
	got, err = s.Get(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.VersionID)
}

func TestConcurrentUpdates_AreLinearized(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, testutil.Patient("p1", "Start"))

	const writers = 8
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Update(ctx, testutil.Patient("p1", fmt.Sprintf("Writer%d", i)))
			assert.NoError(t, err)
			versions <- v
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := map[int64]bool{}
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	for v := int64(2); v <= writers+1; v++ {
		assert.True(t, seen[v], "version %d missing", v)
	}

	changes, err := s.LocalChangesFor(ctx, "Patient", "p1")
	require.NoError(t, err)
	assert.Len(t, changes, writers+1)
}
