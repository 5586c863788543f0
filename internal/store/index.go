package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/PaesslerAG/jsonpath"

	"github.com/roach88/fhirengine/internal/queryir"
	"github.com/roach88/fhirengine/internal/resource"
)

// ParamKind controls how extracted values are normalized.
type ParamKind int

const (
	// KindToken indexes values verbatim (codes, statuses, urls).
	KindToken ParamKind = iota
	// KindString indexes human text such as names.
	KindString
	// KindReference normalizes "base/Type/id" to "Type/id".
	KindReference
	// KindDate additionally indexes the Unix seconds of the value.
	KindDate
)

// SearchParam is one named JSONPath extraction for a resource type.
type SearchParam struct {
	Name string
	Path string
	Kind ParamKind

	eval func(context.Context, any) (any, error)
}

// SearchParams maps resource types to their search parameters.
//
// Thread-safety: safe for concurrent use.
type SearchParams struct {
	mu     sync.RWMutex
	byType map[string]map[string]*SearchParam
}

// NewSearchParams returns an empty registry.
func NewSearchParams() *SearchParams {
	return &SearchParams{byType: make(map[string]map[string]*SearchParam)}
}

// subjectParams are shared by clinical types whose patient link lives
// in "subject".
func subjectParams(p *SearchParams, typ, datePath, codePath string) {
	p.mustRegister(typ, "subject", "$.subject.reference", KindReference)
	p.mustRegister(typ, "patient", "$.subject.reference", KindReference)
	p.mustRegister(typ, "status", "$.status", KindToken)
	if codePath != "" {
		p.mustRegister(typ, "code", codePath, KindToken)
	}
	if datePath != "" {
		p.mustRegister(typ, "date", datePath, KindDate)
	}
}

// DefaultSearchParams returns the built-in parameters.
func DefaultSearchParams() *SearchParams {
	p := NewSearchParams()

	p.mustRegister("Patient", "name", "$.name[*].family", KindString)
	p.mustRegister("Patient", "given", "$.name[*].given[*]", KindString)
	p.mustRegister("Patient", "birthdate", "$.birthDate", KindDate)
	p.mustRegister("Patient", "gender", "$.gender", KindToken)
	p.mustRegister("Patient", "identifier", "$.identifier[*].value", KindToken)

	p.mustRegister("Immunization", "patient", "$.patient.reference", KindReference)
	p.mustRegister("Immunization", "vaccine-code", "$.vaccineCode.coding[*].code", KindToken)
	p.mustRegister("Immunization", "date", "$.occurrenceDateTime", KindDate)
	p.mustRegister("Immunization", "status", "$.status", KindToken)

	subjectParams(p, "Observation", "$.effectiveDateTime", "$.code.coding[*].code")
	subjectParams(p, "Condition", "$.onsetDateTime", "$.code.coding[*].code")
	subjectParams(p, "Encounter", "$.period.start", "")
	subjectParams(p, "MedicationRequest", "$.authoredOn", "$.medicationCodeableConcept.coding[*].code")
	subjectParams(p, "Procedure", "$.performedDateTime", "$.code.coding[*].code")

	p.mustRegister("Library", "url", "$.url", KindToken)
	p.mustRegister("Library", "version", "$.version", KindToken)
	p.mustRegister("Library", "name", "$.name", KindString)
	p.mustRegister("Library", "status", "$.status", KindToken)

	p.mustRegister("Organization", "name", "$.name", KindString)
	return p
}

// Register adds or replaces a parameter. The path must be valid JSONPath.
func (p *SearchParams) Register(typ, name, path string, kind ParamKind) error {
	if typ == "" || name == "" {
		return fmt.Errorf("search param needs type and name")
	}
	if name == queryir.IDParam {
		return fmt.Errorf("search param %s is reserved", name)
	}
	eval, err := jsonpath.New(path)
	if err != nil {
		return fmt.Errorf("search param %s.%s: %w", typ, name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byType[typ] == nil {
		p.byType[typ] = make(map[string]*SearchParam)
	}
	p.byType[typ][name] = &SearchParam{Name: name, Path: path, Kind: kind, eval: eval}
	return nil
}

func (p *SearchParams) mustRegister(typ, name, path string, kind ParamKind) {
	if err := p.Register(typ, name, path, kind); err != nil {
		panic(err)
	}
}

// Has reports whether typ has a parameter called name.
func (p *SearchParams) Has(typ, name string) bool {
	if name == queryir.IDParam {
		return true
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.byType[typ][name]
	return ok
}

// Names returns the parameter names of typ in sorted order.
func (p *SearchParams) Names(typ string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.byType[typ]))
	for n := range p.byType[typ] {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// indexEntry is one row of resource_index.
type indexEntry struct {
	param string
	text  string
	num   *float64
}

// extract evaluates every parameter of r's type against its content.
// Entries are ordered by parameter name, then extraction order, with
// duplicates removed.
func (p *SearchParams) extract(r resource.Resource) []indexEntry {
	p.mu.RLock()
	params := make([]*SearchParam, 0, len(p.byType[r.Type]))
	for _, sp := range p.byType[r.Type] {
		params = append(params, sp)
	}
	p.mu.RUnlock()
	slices.SortFunc(params, func(a, b *SearchParam) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	var out []indexEntry
	for _, sp := range params {
		raw, err := sp.eval(context.Background(), r.Content)
		if err != nil {
			// Missing paths are the common case, not a failure.
			continue
		}
		seen := map[string]bool{}
		for _, v := range flatten(raw) {
			e, ok := sp.entry(v)
			if !ok || seen[e.text] {
				continue
			}
			seen[e.text] = true
			out = append(out, e)
		}
	}
	return out
}

func (sp *SearchParam) entry(v any) (indexEntry, bool) {
	e := indexEntry{param: sp.Name}
	switch val := v.(type) {
	case string:
		if val == "" {
			return e, false
		}
		e.text = val
	case int64:
		e.text = strconv.FormatInt(val, 10)
		f := float64(val)
		e.num = &f
	case float64:
		e.text = strconv.FormatFloat(val, 'f', -1, 64)
		e.num = &val
	case bool:
		e.text = strconv.FormatBool(val)
	default:
		return e, false
	}

	switch sp.Kind {
	case KindReference:
		if ref, err := resource.ParseReference(e.text); err == nil {
			e.text = ref.String()
		}
	case KindDate:
		if f, ok := queryir.NumericValue(e.text); ok {
			e.num = &f
		}
	}
	return e, true
}

func flatten(v any) []any {
	arr, ok := v.([]any)
	if !ok {
		return []any{v}
	}
	var out []any
	for _, e := range arr {
		out = append(out, flatten(e)...)
	}
	return out
}

// RegisterSearchParam adds a parameter and rebuilds the index of typ so
// existing records become searchable by it.
func (s *Store) RegisterSearchParam(ctx context.Context, typ, name, path string, kind ParamKind) error {
	if err := s.params.Register(typ, name, path, kind); err != nil {
		return err
	}
	return s.Reindex(ctx, typ)
}

// Reindex rebuilds the index rows of every live record of typ in one
// transaction.
func (s *Store) Reindex(ctx context.Context, typ string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reindex: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT resource_type, logical_id, version_id, last_updated, payload
		FROM resources
		WHERE resource_type = ? AND deleted = 0
		ORDER BY logical_id COLLATE BINARY ASC
	`, typ)
	if err != nil {
		return fmt.Errorf("reindex: query: %w", err)
	}
	resources, err := s.scanResources(rows)
	if err != nil {
		return fmt.Errorf("reindex: %w", err)
	}

	for _, r := range resources {
		if err := s.writeIndex(ctx, tx, r); err != nil {
			return fmt.Errorf("reindex %s: %w", r.Ref(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reindex: commit: %w", err)
	}
	return nil
}

// writeIndex replaces the index rows of r. Tombstones get none.
func (s *Store) writeIndex(ctx context.Context, tx execer, r resource.Resource) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM resource_index WHERE resource_type = ? AND logical_id = ?`,
		r.Type, r.ID,
	); err != nil {
		return fmt.Errorf("clear index: %w", err)
	}
	if r.Deleted {
		return nil
	}
	for _, e := range s.params.extract(r) {
		var num any
		if e.num != nil {
			num = *e.num
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO resource_index (resource_type, logical_id, param, value_text, value_num)
			VALUES (?, ?, ?, ?, ?)
		`, r.Type, r.ID, e.param, e.text, num); err != nil {
			return fmt.Errorf("insert index %s: %w", e.param, err)
		}
	}
	return nil
}
