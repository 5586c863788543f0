package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roach88/fhirengine/internal/resource"
	"github.com/roach88/fhirengine/internal/store"
)

// LoadReport describes what LoadBundle wrote.
type LoadReport struct {
	Created   []resource.Reference
	Updated   []resource.Reference
	Unchanged []resource.Reference

	// Libraries lists the canonical identifiers of the bundle's libraries
	// in entry order.
	Libraries []resource.Canonical
}

// entry is one validated bundle entry.
type entry struct {
	res  resource.Resource
	hash string
	lib  *Definition
}

// LoadBundle validates a Bundle and stores its resources.
//
// The whole bundle is validated before anything is written. Two entries
// declaring the same identifier (library canonical, or Type/id) with
// different content fail with a ValidationError; identical duplicates
// are loaded once. Entries without an id get one derived from their
// library canonical, or from their content for other resources, so
// reloading a bundle updates the same records.
//
// All writes happen in one store transaction. Records whose stored
// content already matches are left untouched; changed records are
// updated, which bumps their versionId.
func (r *Registry) LoadBundle(ctx context.Context, bundle map[string]any) (LoadReport, error) {
	entries, err := validateBundle(bundle)
	if err != nil {
		return LoadReport{}, err
	}

	var report LoadReport
	rs := make([]resource.Resource, len(entries))
	for i, e := range entries {
		if e.lib != nil {
			report.Libraries = append(report.Libraries, e.lib.Canonical)
		}
		rs[i] = e.res
	}

	outcomes, err := r.store.Upsert(ctx, rs...)
	if err != nil {
		return LoadReport{}, fmt.Errorf("load bundle: %w", err)
	}
	for i, o := range outcomes {
		switch o {
		case store.OutcomeCreated:
			report.Created = append(report.Created, rs[i].Ref())
		case store.OutcomeUpdated:
			report.Updated = append(report.Updated, rs[i].Ref())
		default:
			report.Unchanged = append(report.Unchanged, rs[i].Ref())
		}
	}

	r.logger.Info().
		Int("created", len(report.Created)).
		Int("updated", len(report.Updated)).
		Int("unchanged", len(report.Unchanged)).
		Int("libraries", len(report.Libraries)).
		Msg("bundle loaded")
	return report, nil
}

func validateBundle(bundle map[string]any) ([]entry, error) {
	if t, _ := bundle["resourceType"].(string); t != "Bundle" {
		return nil, resource.NewValidationError("expected a Bundle, got resourceType %q", t)
	}
	raw, ok := bundle["entry"].([]any)
	if !ok && bundle["entry"] != nil {
		return nil, resource.NewValidationError("bundle entry must be an array")
	}

	var (
		entries []entry
		byKey   = map[string]int{}
	)
	for i, item := range raw {
		e, keys, err := validateEntry(i, item)
		if err != nil {
			return nil, err
		}

		dup := -1
		for _, k := range keys {
			j, seen := byKey[k]
			if !seen {
				continue
			}
			if entries[j].hash != e.hash {
				return nil, resource.NewValidationError(
					"bundle entries %d and %d declare %s with different content", j, i, k)
			}
			dup = j
		}
		if dup >= 0 {
			continue
		}
		for _, k := range keys {
			byKey[k] = len(entries)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// validateEntry checks one entry and returns the identifiers it claims.
func validateEntry(i int, item any) (entry, []string, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return entry{}, nil, resource.NewValidationError("bundle entry %d is not an object", i)
	}
	content, ok := m["resource"].(map[string]any)
	if !ok {
		return entry{}, nil, resource.NewValidationError("bundle entry %d has no resource", i)
	}
	res, err := resource.New(content)
	if err != nil {
		return entry{}, nil, resource.NewValidationError("bundle entry %d: %v", i, err)
	}
	res = res.Clone()

	var (
		e    = entry{res: res}
		keys []string
	)
	if res.Type == "Library" {
		d, err := parseLibrary(res.Content)
		if err != nil {
			return entry{}, nil, resource.NewValidationError("bundle entry %d: %v", i, err)
		}
		if e.res.ID == "" {
			e.res.ID = resource.LibraryLogicalID(d.Canonical)
		}
		d.LogicalID = e.res.ID
		e.lib = &d
		keys = append(keys, "Library "+d.Canonical.String())
	}
	if e.res.ID == "" {
		delete(e.res.Content, "id")
		hash, err := resource.ContentHash(e.res.Content)
		if err != nil {
			return entry{}, nil, resource.NewValidationError("bundle entry %d: %v", i, err)
		}
		e.res.ID = resource.EntryLogicalID(e.res.Type, hash)
	}
	e.res.Content["id"] = e.res.ID
	keys = append(keys, e.res.Ref().String())

	if e.hash, err = resource.ContentHash(e.res.Content); err != nil {
		return entry{}, nil, resource.NewValidationError("bundle entry %d: %v", i, err)
	}
	return e, keys, nil
}

// ParseBundle decodes a JSON bundle.
func ParseBundle(data []byte) (map[string]any, error) {
	b, err := resource.DecodeJSON(data)
	if err != nil {
		return nil, resource.NewValidationError("parse bundle: %v", err)
	}
	return b, nil
}

// ReadBundle reads a bundle file. Files ending in .cue go through
// LoadCUEBundle; anything else is parsed as JSON.
func ReadBundle(path string) (map[string]any, error) {
	if filepath.Ext(path) == ".cue" {
		return LoadCUEBundle(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	return ParseBundle(data)
}
