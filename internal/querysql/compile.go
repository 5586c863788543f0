package querysql

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/roach88/fhirengine/internal/queryir"
)

// resourceColumns is the column list every row query returns, in the order
// the store scans them.
const resourceColumns = "r.resource_type, r.logical_id, r.version_id, r.last_updated, r.payload"

// SQLCompiler compiles searches to parameterized SQL for SQLite.
//
// Every row query ends with "r.logical_id ASC COLLATE BINARY" so results
// are deterministic. Values are always bound as parameters, never
// interpolated.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a search to a row query returning resourceColumns.
func (c *SQLCompiler) Compile(s queryir.Search) (string, []any, error) {
	where, params, err := c.where(s)
	if err != nil {
		return "", nil, err
	}

	var order []string
	for _, k := range s.Sort {
		key, keyParams := c.sortKey(k)
		order = append(order, key)
		params = append(params, keyParams...)
	}
	order = append(order, "r.logical_id ASC COLLATE BINARY")

	sql := fmt.Sprintf("SELECT %s FROM resources r WHERE %s ORDER BY %s",
		resourceColumns, where, strings.Join(order, ", "))
	if s.Limit > 0 {
		sql += " LIMIT ?"
		params = append(params, s.Limit)
	}
	return sql, params, nil
}

// CompileCount converts a search to a COUNT(*) query. Sort and limit are
// ignored.
func (c *SQLCompiler) CompileCount(s queryir.Search) (string, []any, error) {
	where, params, err := c.where(s)
	if err != nil {
		return "", nil, err
	}
	return "SELECT COUNT(*) FROM resources r WHERE " + where, params, nil
}

func (c *SQLCompiler) where(s queryir.Search) (string, []any, error) {
	if s.Type == "" {
		return "", nil, fmt.Errorf("cannot compile search without resource type")
	}
	clause := "r.resource_type = ? AND r.deleted = 0"
	params := []any{s.Type}
	if s.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(s.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		clause += " AND " + filterSQL
		params = append(params, filterParams...)
	}
	return clause, params, nil
}

// sortKey orders by the smallest indexed text value of a parameter, or
// the largest when descending. Resources without a value sort first.
func (c *SQLCompiler) sortKey(k queryir.SortKey) (string, []any) {
	if k.Param == queryir.IDParam {
		if k.Descending {
			return "r.logical_id DESC", nil
		}
		return "r.logical_id ASC", nil
	}
	agg, dir := "MIN", "ASC"
	if k.Descending {
		agg, dir = "MAX", "DESC"
	}
	return fmt.Sprintf("(SELECT %s(i.value_text) FROM resource_index i "+
		"WHERE i.resource_type = r.resource_type AND i.logical_id = r.logical_id AND i.param = ?) %s",
		agg, dir), []any{k.Param}
}

// compilePredicate compiles a predicate to a WHERE fragment.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case queryir.Equals:
		if pred.Param == queryir.IDParam {
			return "r.logical_id = ?", []any{pred.Value}, nil
		}
		return indexed("i.value_text = ?"), []any{pred.Param, pred.Value}, nil
	case queryir.Prefix:
		// Case-sensitive like Equals; LIKE would fold ASCII case.
		n := utf8.RuneCountInString(pred.Value)
		if pred.Param == queryir.IDParam {
			return "substr(r.logical_id, 1, ?) = ?", []any{n, pred.Value}, nil
		}
		return indexed("substr(i.value_text, 1, ?) = ?"), []any{pred.Param, n, pred.Value}, nil
	case queryir.In:
		if len(pred.Values) == 0 {
			return "1 = 0", nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(pred.Values)), ", ")
		params := make([]any, 0, len(pred.Values)+1)
		if pred.Param == queryir.IDParam {
			for _, v := range pred.Values {
				params = append(params, v)
			}
			return "r.logical_id IN (" + marks + ")", params, nil
		}
		params = append(params, pred.Param)
		for _, v := range pred.Values {
			params = append(params, v)
		}
		return indexed("i.value_text IN (" + marks + ")"), params, nil
	case queryir.Compare:
		switch pred.Op {
		case queryir.OpLt, queryir.OpLe, queryir.OpGt, queryir.OpGe:
		default:
			return "", nil, fmt.Errorf("unsupported comparison operator %q", pred.Op)
		}
		return indexed("i.value_num " + string(pred.Op) + " ?"), []any{pred.Param, pred.Value}, nil
	case queryir.And:
		return c.join(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.join(pred.Predicates, " OR ", "1 = 0")
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) join(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	parts := make([]string, 0, len(preds))
	var params []any
	for _, p := range preds {
		sql, ps, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, ps...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

// indexed wraps a value condition in an EXISTS over the index rows of
// the current resource. The first parameter is always the param name.
func indexed(cond string) string {
	return "EXISTS (SELECT 1 FROM resource_index i WHERE i.resource_type = r.resource_type " +
		"AND i.logical_id = r.logical_id AND i.param = ? AND " + cond + ")"
}
