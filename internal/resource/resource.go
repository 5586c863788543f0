package resource

import (
	"fmt"
	"strings"
	"time"
)

// Resource is one version of a clinical record.
//
// Content holds the FHIR JSON object as decoded by a Codec. The envelope
// fields are authoritative: Type and ID mirror Content's "resourceType"
// and "id", and VersionID/LastUpdated are assigned by the store.
type Resource struct {
	Type        string
	ID          string
	VersionID   int64
	LastUpdated time.Time
	Deleted     bool
	Content     map[string]any
}

// New builds a Resource from a FHIR JSON object, taking Type and ID from
// the object's "resourceType" and "id" members.
func New(content map[string]any) (Resource, error) {
	typ, _ := content["resourceType"].(string)
	if typ == "" {
		return Resource{}, fmt.Errorf("resource: missing resourceType")
	}
	id, _ := content["id"].(string)
	return Resource{Type: typ, ID: id, Content: content}, nil
}

// Ref returns the "Type/ID" reference of the resource.
func (r Resource) Ref() Reference {
	return Reference{Type: r.Type, ID: r.ID}
}

// Clone returns a deep copy so callers can mutate Content freely.
func (r Resource) Clone() Resource {
	out := r
	if r.Content != nil {
		out.Content = cloneValue(r.Content).(map[string]any)
	}
	return out
}

// String returns a human readable form like "Patient/1@3".
func (r Resource) String() string {
	return fmt.Sprintf("%s/%s@%d", r.Type, r.ID, r.VersionID)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, e := range val {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		arr := make([]any, len(val))
		for i, e := range val {
			arr[i] = cloneValue(e)
		}
		return arr
	default:
		return val
	}
}

// Reference identifies a record by type and logical id.
type Reference struct {
	Type string
	ID   string
}

// ParseReference parses "Type/id". A leading base URL or trailing
// "_history/n" segment is ignored.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "/_history/"); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return Reference{}, fmt.Errorf("invalid reference %q: want Type/id", s)
	}
	ref := Reference{Type: parts[len(parts)-2], ID: parts[len(parts)-1]}
	if ref.Type == "" || ref.ID == "" {
		return Reference{}, fmt.Errorf("invalid reference %q: want Type/id", s)
	}
	return ref, nil
}

// MustParseReference is like ParseReference but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustParseReference(s string) Reference {
	ref, err := ParseReference(s)
	if err != nil {
		panic(err)
	}
	return ref
}

func (r Reference) String() string {
	return r.Type + "/" + r.ID
}

// IsZero reports whether the reference is empty.
func (r Reference) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// Canonical is a versioned canonical URL such as
// "http://localhost/Library/COVIDCheck|1.0.0".
type Canonical struct {
	URL     string
	Version string
}

// ParseCanonical splits "url|version". The version is optional.
func ParseCanonical(s string) (Canonical, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Canonical{}, fmt.Errorf("empty canonical")
	}
	url, version, _ := strings.Cut(s, "|")
	if url == "" {
		return Canonical{}, fmt.Errorf("invalid canonical %q: missing url", s)
	}
	return Canonical{URL: url, Version: version}, nil
}

func (c Canonical) String() string {
	if c.Version == "" {
		return c.URL
	}
	return c.URL + "|" + c.Version
}

// Versioned reports whether the canonical pins a version.
func (c Canonical) Versioned() bool {
	return c.Version != ""
}
