package library

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/fhirengine/internal/expr"
	"github.com/roach88/fhirengine/internal/resource"
)

// ContentTypeCQL is the content type of library expression source.
const ContentTypeCQL = "text/cql"

// Definition is a library as stored, with its source decoded.
type Definition struct {
	Canonical    resource.Canonical
	Name         string
	LogicalID    string
	VersionID    int64
	Dependencies []resource.Canonical
	Source       string

	// Defines lists the definition names in source order. Nil when the
	// source does not parse; compilation reports the error.
	Defines []string
}

// Ref returns the "Library/<id>" reference.
func (d Definition) Ref() resource.Reference {
	return resource.Reference{Type: "Library", ID: d.LogicalID}
}

// Stamp identifies this exact version of the library.
func (d Definition) Stamp() string {
	return d.LogicalID + "@" + strconv.FormatInt(d.VersionID, 10)
}

// FromResource decodes a stored Library resource.
func FromResource(r resource.Resource) (Definition, error) {
	if r.Type != "Library" {
		return Definition{}, resource.NewValidationError("%s is not a Library", r.Ref())
	}
	d, err := parseLibrary(r.Content)
	if err != nil {
		return Definition{}, err
	}
	d.LogicalID = r.ID
	d.VersionID = r.VersionID
	return d, nil
}

// parseLibrary validates a Library JSON object and decodes its source.
func parseLibrary(content map[string]any) (Definition, error) {
	var d Definition

	url, _ := content["url"].(string)
	if url == "" {
		return d, resource.NewValidationError("library has no url")
	}
	d.Name, _ = content["name"].(string)
	if d.Name == "" {
		return d, resource.NewValidationError("library %s has no name", url)
	}
	version, _ := content["version"].(string)
	d.Canonical = resource.Canonical{URL: url, Version: version}

	related, _ := content["relatedArtifact"].([]any)
	for i, raw := range related {
		ra, ok := raw.(map[string]any)
		if !ok {
			return d, resource.NewValidationError("library %s: relatedArtifact[%d] is not an object", d.Canonical, i)
		}
		if t, _ := ra["type"].(string); t != "depends-on" {
			continue
		}
		ref, _ := ra["resource"].(string)
		dep, err := resource.ParseCanonical(ref)
		if err != nil {
			return d, resource.NewValidationError("library %s: relatedArtifact[%d]: %v", d.Canonical, i, err)
		}
		d.Dependencies = append(d.Dependencies, dep)
	}

	src, err := decodeSource(content)
	if err != nil {
		return d, resource.NewValidationError("library %s: %v", d.Canonical, err)
	}
	d.Source = src
	if parsed, err := expr.ParseLibrary(src); err == nil {
		d.Defines = parsed.Names()
	}
	return d, nil
}

// decodeSource concatenates every text/cql attachment. Libraries with no
// expression content decode to "".
func decodeSource(content map[string]any) (string, error) {
	attachments, _ := content["content"].([]any)
	var parts []string
	for i, raw := range attachments {
		att, ok := raw.(map[string]any)
		if !ok {
			return "", fmt.Errorf("content[%d] is not an object", i)
		}
		ct, _ := att["contentType"].(string)
		if !strings.HasPrefix(ct, ContentTypeCQL) {
			continue
		}
		data, _ := att["data"].(string)
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return "", fmt.Errorf("content[%d]: invalid base64: %w", i, err)
		}
		parts = append(parts, string(decoded))
	}
	return strings.Join(parts, "\n"), nil
}

// compareVersions orders dotted versions naturally: numeric segments
// compare as numbers, others bytewise, and a missing segment sorts first.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < max(len(as), len(bs)); i++ {
		if i >= len(as) {
			return -1
		}
		if i >= len(bs) {
			return 1
		}
		an, aerr := strconv.Atoi(as[i])
		bn, berr := strconv.Atoi(bs[i])
		switch {
		case aerr == nil && berr == nil:
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return 0
}
