// Package store provides SQLite-backed durable storage for clinical
// records.
//
// The store keeps:
//   - Resources: the current version of every record, tombstones included
//   - Resource index: extracted search-parameter values per record
//   - Local changes: an append-only log of local mutations awaiting upload
//   - Sync state: the opaque token of the last applied download batch
//   - Deferred conflicts: remote versions held back by pending local edits
//
// # Critical Patterns
//
// Atomic mutations:
//   - Every create, update and delete writes the record, its index rows
//     and its local change in one transaction
//   - A remote batch, the purge of confirmed changes and the sync token
//     commit together or not at all
//
// Per-record serialization:
//   - Mutations on the same (type, id) take a sharded mutex first, so
//     concurrent writers to one record are linearized
//
// Deterministic reads:
//   - Searches order by sort keys, then logical_id COLLATE BINARY
//   - Local changes order by seq, the commit order
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: index rows cascade with their record
package store
