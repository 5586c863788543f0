package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fhirengine/internal/testutil"
)

func change(seq int64, typ, id string, ct ChangeType, version int64) LocalChange {
	return LocalChange{Seq: seq, ResourceType: typ, LogicalID: id, Type: ct, VersionID: version}
}

func TestSquashChanges(t *testing.T) {
	tests := []struct {
		name    string
		changes []LocalChange
		want    []ChangeType
	}{
		{
			name: "create then update folds into create",
			changes: []LocalChange{
				change(1, "Patient", "a", ChangeCreate, 1),
				change(2, "Patient", "a", ChangeUpdate, 2),
			},
			want: []ChangeType{ChangeCreate},
		},
		{
			name: "create then delete cancels out",
			changes: []LocalChange{
				change(1, "Patient", "a", ChangeCreate, 1),
				change(2, "Patient", "a", ChangeUpdate, 2),
				change(3, "Patient", "a", ChangeDelete, 3),
			},
			want: []ChangeType{ChangeNoop},
		},
		{
			name: "update then delete is delete",
			changes: []LocalChange{
				change(4, "Patient", "a", ChangeUpdate, 2),
				change(5, "Patient", "a", ChangeDelete, 3),
			},
			want: []ChangeType{ChangeDelete},
		},
		{
			name: "updates fold into update",
			changes: []LocalChange{
				change(1, "Patient", "a", ChangeUpdate, 2),
				change(2, "Patient", "a", ChangeUpdate, 3),
			},
			want: []ChangeType{ChangeUpdate},
		},
		{
			name: "delete then recreate is update",
			changes: []LocalChange{
				change(1, "Patient", "a", ChangeDelete, 3),
				change(2, "Patient", "a", ChangeCreate, 1),
			},
			want: []ChangeType{ChangeUpdate},
		},
		{
			name: "records keep first-change order",
			changes: []LocalChange{
				change(1, "Patient", "b", ChangeCreate, 1),
				change(2, "Patient", "a", ChangeCreate, 1),
				change(3, "Patient", "b", ChangeUpdate, 2),
			},
			want: []ChangeType{ChangeCreate, ChangeCreate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			units := SquashChanges(tt.changes)
			got := make([]ChangeType, len(units))
			for i, u := range units {
				got[i] = u.Type
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSquashChanges_CarriesFinalStateAndFirstBase(t *testing.T) {
	changes := []LocalChange{
		{Seq: 1, ResourceType: "Patient", LogicalID: "b", Type: ChangeUpdate, VersionID: 2, BaseRemoteVersion: "r1"},
		{Seq: 2, ResourceType: "Patient", LogicalID: "a", Type: ChangeCreate, VersionID: 1},
		{Seq: 3, ResourceType: "Patient", LogicalID: "b", Type: ChangeUpdate, VersionID: 3, BaseRemoteVersion: "r2"},
	}

	units := SquashChanges(changes)
	require.Len(t, units, 2)

	assert.Equal(t, "b", units[0].LogicalID)
	assert.Equal(t, int64(3), units[0].VersionID)
	assert.Equal(t, "r1", units[0].BaseRemoteVersion)
	if diff := cmp.Diff([]int64{1, 3}, units[0].Seqs); diff != "" {
		t.Errorf("seqs mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, int64(3), units[0].MaxSeq())
	assert.Equal(t, int64(2), units[1].MaxSeq())
}

func TestUnsquashed_OneUnitPerChange(t *testing.T) {
	changes := []LocalChange{
		change(1, "Patient", "a", ChangeCreate, 1),
		change(2, "Patient", "a", ChangeUpdate, 2),
	}
	units := Unsquashed(changes)
	require.Len(t, units, 2)
	assert.Equal(t, ChangeCreate, units[0].Type)
	assert.Equal(t, []int64{2}, units[1].Seqs)
}

func TestPurgeLocalChanges_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, testutil.Patient("a", "A"))
	mustCreate(t, s, testutil.Patient("b", "B"))
	mustCreate(t, s, testutil.Patient("c", "C"))

	changes, err := s.LocalChanges(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	require.NoError(t, s.PurgeLocalChanges(ctx, changes[1].Seq))
	require.NoError(t, s.PurgeLocalChanges(ctx, changes[1].Seq))

	left, err := s.LocalChanges(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "c", left[0].LogicalID)

	// Purging does not touch the records themselves.
	_, err = s.Get(ctx, "Patient", "a")
	assert.NoError(t, err)
}

func TestPurgeChanges_ExactSeqs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, testutil.Patient("a", "A"))
	mustCreate(t, s, testutil.Patient("b", "B"))

	changes, err := s.LocalChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, s.PurgeChanges(ctx, []int64{changes[1].Seq, 9999}))
	require.NoError(t, s.PurgeChanges(ctx, nil))

	left, err := s.LocalChanges(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "a", left[0].LogicalID)
}

func TestPendingRefs(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustCreate(t, s, testutil.Patient("b", "B"))
	mustCreate(t, s, testutil.Patient("a", "A"))
	_, err := s.Update(ctx, testutil.Patient("b", "B2"))
	require.NoError(t, err)

	refs, err := s.PendingRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "Patient/a", refs[0].String())
	assert.Equal(t, "Patient/b", refs[1].String())
}
