package library

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"

	"github.com/roach88/fhirengine/internal/resource"
)

// LoadCUEBundle evaluates a CUE file and returns the bundle it defines.
// The bundle is the top-level "bundle" field when present, otherwise the
// whole file. CUE lets authors keep library source readable and encode
// it in place:
//
//	import "encoding/base64"
//
//	_src: """
//		define "Adult": AgeInYears() >= 18
//		"""
//	bundle: {
//		resourceType: "Bundle"
//		entry: [{resource: {
//			resourceType: "Library"
//			content: [{contentType: "text/cql", data: base64.Encode(null, _src)}]
//		}}]
//	}
func LoadCUEBundle(path string) (map[string]any, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cue bundle: %w", err)
	}

	v := cuecontext.New().CompileBytes(src, cue.Filename(path))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if b := v.LookupPath(cue.ParsePath("bundle")); b.Exists() {
		v = b
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	data, err := v.MarshalJSON()
	if err != nil {
		return nil, formatCUEError(err)
	}
	return ParseBundle(data)
}

// formatCUEError reports the first CUE error with its position.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return resource.NewValidationError("cue: %v", err)
	}
	first := errs[0]
	if pos := errors.Positions(first); len(pos) > 0 {
		return resource.NewValidationError("%s: %v", pos[0], first)
	}
	return resource.NewValidationError("cue: %v", first)
}
