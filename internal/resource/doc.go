// Package resource defines the clinical record model shared by every other
// package: the Resource envelope, typed references, canonical library
// identifiers, the error taxonomy, and canonical JSON for content hashing.
//
// This package imports nothing internal. All other internal packages import
// resource; resource never imports them.
//
// Key design constraints:
//   - Content is an opaque FHIR JSON object; only the Codec interprets bytes
//   - Content hashes use RFC 8785 canonical JSON with domain separation
//   - VersionID is a local monotonic counter, never the remote version
package resource
