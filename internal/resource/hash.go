package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix leaves room for
// algorithm migration.
const (
	DomainContent   = "fhirengine/content/v1"
	DomainLibraryID = "fhirengine/library-id/v1"
	DomainEntryID   = "fhirengine/entry-id/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes a FHIR JSON object, ignoring "meta" so that the same
// clinical content hashes equally across versions and replicas.
func ContentHash(content map[string]any) (string, error) {
	stripped := make(map[string]any, len(content))
	for k, v := range content {
		if k == "meta" {
			continue
		}
		stripped[k] = v
	}
	data, err := MarshalCanonical(stripped)
	if err != nil {
		return "", fmt.Errorf("content hash: %w", err)
	}
	return hashWithDomain(DomainContent, data), nil
}

// MustContentHash is like ContentHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustContentHash(content map[string]any) string {
	h, err := ContentHash(content)
	if err != nil {
		panic(err)
	}
	return h
}

// LibraryLogicalID derives a stable logical id for a library that arrived
// without one, so reloading the same bundle lands on the same record.
func LibraryLogicalID(c Canonical) string {
	return hashWithDomain(DomainLibraryID, []byte(c.String()))[:32]
}

// EntryLogicalID derives a stable logical id for a bundle entry that
// arrived without one, from its type and content hash.
func EntryLogicalID(typ, contentHash string) string {
	return hashWithDomain(DomainEntryID, []byte(typ+"|"+contentHash))[:32]
}
