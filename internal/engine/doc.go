// Package engine evaluates clinical logic libraries.
//
// An evaluation names a library, a context resource (usually a Patient)
// and the expressions to compute:
//
//	res, err := eng.Evaluate(ctx, "http://example.org/Library/COVIDCheck|1.0.0",
//	    "Patient/123", []string{"CompletedImmunization"})
//	done, _ := res.Bool("CompletedImmunization")
//
// COMPILATION:
//
// The library and everything it depends on are resolved through the
// library registry and compiled in dependency order. Compiled expressions
// are cached by (library logical id, expression name). Each entry carries
// the stamp of the closure it was compiled from, the "id@versionId" list
// of every library involved, so updating any library in the closure makes
// the entry stale and the next evaluation recompiles. Concurrent compiles
// of one closure are merged.
//
// DATA ACCESS:
//
// Expressions read data only through a DataProvider. The default provider
// pins a store snapshot for the duration of one evaluation, so all
// expressions of one call observe the same state even while writers run.
//
// DETERMINISM:
//
// today() and now() return the engine's reference time, never the wall
// clock. Retrieves are ordered by logical id.
//
// ERRORS:
//
// Resolution and compilation failures fail the call. An expression that
// fails while running (a type mismatch, an unresolvable reference) yields
// a null value and a warning log; its siblings are still evaluated.
package engine
