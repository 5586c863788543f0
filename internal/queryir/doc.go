// Package queryir is the search intermediate representation for the
// resource store.
//
// A Search names a resource type, an optional filter predicate over
// search parameters, and an optional sort. Predicates refer to parameters
// by name; the store's secondary index maps each (type, parameter) to
// extracted values, so a Search never depends on payload layout.
//
//	[caller / expression engine] → [Search IR] → [querysql] → SQLite
//
// SEALED INTERFACES:
//
// Predicate is sealed with a marker method. Only types in this package
// implement it, which lets backend compilers switch exhaustively.
//
// DETERMINISM:
//
// Every compiled search orders by its sort keys and then by logical id,
// so identical stores return identical result order.
package queryir
