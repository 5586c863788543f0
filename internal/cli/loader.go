package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/fhirengine/internal/library"
	"github.com/roach88/fhirengine/internal/resource"
)

// readDocument reads a JSON or CUE document. "-" reads JSON from in.
func readDocument(path string, in io.Reader) (map[string]any, error) {
	if path != "-" {
		if _, err := os.Stat(path); err != nil {
			return nil, WrapExitError(ExitCommandError, "input not found", err)
		}
		return library.ReadBundle(path)
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("read stdin: %w", err)
	}
	return library.ParseBundle(data)
}

// documentResources returns the resource a document holds, or every
// entry resource when the document is a Bundle.
func documentResources(doc map[string]any) ([]resource.Resource, error) {
	if doc["resourceType"] != "Bundle" {
		r, err := resource.New(doc)
		if err != nil {
			return nil, resource.NewValidationError("%v", err)
		}
		return []resource.Resource{r}, nil
	}

	entries, _ := doc["entry"].([]any)
	out := make([]resource.Resource, 0, len(entries))
	for i, e := range entries {
		entry, _ := e.(map[string]any)
		body, ok := entry["resource"].(map[string]any)
		if !ok {
			return nil, resource.NewValidationError("bundle entry %d has no resource", i)
		}
		r, err := resource.New(body)
		if err != nil {
			return nil, resource.NewValidationError("bundle entry %d: %v", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// findScenarioFiles finds all YAML scenario files in a directory whose
// base name matches filter.
func findScenarioFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			// Golden files live next to the scenarios.
			if path != dir && info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		// Only process .yaml and .yml files
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		// Apply filter if specified
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}
