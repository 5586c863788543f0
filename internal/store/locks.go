package store

import (
	"hash/fnv"
	"slices"
	"sync"

	"github.com/roach88/fhirengine/internal/resource"
)

const lockShards = 64

// lockTable serializes writers per logical id. Ids hash onto a fixed set
// of mutexes, so unrelated ids may share a shard; that only costs
// concurrency, never correctness.
type lockTable struct {
	shards [lockShards]sync.Mutex
}

func newLockTable() *lockTable {
	return &lockTable{}
}

func shardOf(ref resource.Reference) int {
	h := fnv.New32a()
	h.Write([]byte(ref.Type))
	h.Write([]byte{'/'})
	h.Write([]byte(ref.ID))
	return int(h.Sum32() % lockShards)
}

// lock acquires the shards of every ref in ascending shard order, which
// keeps multi-record writers from deadlocking each other.
func (t *lockTable) lock(refs ...resource.Reference) (unlock func()) {
	idx := make([]int, 0, len(refs))
	for _, ref := range refs {
		idx = append(idx, shardOf(ref))
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)

	for _, i := range idx {
		t.shards[i].Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			t.shards[idx[j]].Unlock()
		}
	}
}
