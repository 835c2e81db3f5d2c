// Package scan locates secret-marked fields in a configuration value.
//
// A Scanner walks the value and its schema together and returns the JSON
// pointer (RFC 6901) of every field the schema marks as secret and the value
// actually contains. Arrays expand to concrete indices. For oneOf and anyOf
// only the branch the value matches is visited, never the alternatives, so
// the result depends on the value's runtime shape.
//
// Paths come back in schema declaration order, then array index order, so
// two scans of the same (value, schema) pair always agree.
package scan

import (
	"errors"
	"reflect"
	"sort"
)

// ErrNilSchema is returned when Scan is called without a schema.
var ErrNilSchema = errors.New("schema is required")

// Scanner finds secret paths. The zero value uses DefaultSecretMarker.
type Scanner struct {
	markers []string
}

// NewScanner creates a scanner recognising the given marker keywords.
func NewScanner(markers ...string) *Scanner {
	if len(markers) == 0 {
		markers = []string{DefaultSecretMarker}
	}
	return &Scanner{markers: markers}
}

// Markers returns the marker keywords in use.
func (sc *Scanner) Markers() []string {
	if sc == nil || len(sc.markers) == 0 {
		return []string{DefaultSecretMarker}
	}
	return sc.markers
}

// ParseSchema decodes a schema with this scanner's markers.
func (sc *Scanner) ParseSchema(data []byte) (*Schema, error) {
	return parseSchema(data, sc.Markers())
}

// Scan returns the pointers of secret fields present in value.
func (sc *Scanner) Scan(value interface{}, schema *Schema) ([]string, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}
	w := &walker{seen: map[string]bool{}, active: map[visit]bool{}}
	w.walk(value, schema, nil)
	return w.paths, nil
}

type walker struct {
	paths []string
	seen  map[string]bool
	// active guards combinator cycles that revisit a schema without
	// descending into the value.
	active map[visit]bool
}

type visit struct {
	schema *Schema
	path   string
}

func (w *walker) add(tokens []string) {
	p := Pointer(tokens...)
	if w.seen[p] {
		return
	}
	w.seen[p] = true
	w.paths = append(w.paths, p)
}

func (w *walker) walk(value interface{}, s *Schema, tokens []string) {
	if s == nil {
		return
	}
	if s.Secret {
		w.add(tokens)
		return
	}
	key := visit{schema: s, path: Pointer(tokens...)}
	if w.active[key] {
		return
	}
	w.active[key] = true
	defer delete(w.active, key)

	for _, branch := range s.AllOf {
		w.walk(value, branch, tokens)
	}
	if len(s.OneOf) > 0 {
		w.walk(value, chooseBranch(value, s.OneOf), tokens)
	}
	if len(s.AnyOf) > 0 {
		w.walk(value, chooseBranch(value, s.AnyOf), tokens)
	}

	switch v := value.(type) {
	case map[string]interface{}:
		declared := make(map[string]bool, len(s.Properties))
		for _, p := range s.Properties {
			declared[p.Name] = true
			if child, ok := v[p.Name]; ok {
				w.walk(child, p.Schema, appendToken(tokens, p.Name))
			}
		}
		if s.AdditionalProperties != nil {
			extra := make([]string, 0, len(v))
			for k := range v {
				if !declared[k] {
					extra = append(extra, k)
				}
			}
			sort.Strings(extra)
			for _, k := range extra {
				w.walk(v[k], s.AdditionalProperties, appendToken(tokens, k))
			}
		}
	case []interface{}:
		for i, item := range v {
			itemSchema := s.Items
			if i < len(s.TupleItems) {
				itemSchema = s.TupleItems[i]
			}
			w.walk(item, itemSchema, appendToken(tokens, indexToken(i)))
		}
	}
}

func appendToken(tokens []string, tok string) []string {
	out := make([]string, len(tokens), len(tokens)+1)
	copy(out, tokens)
	return append(out, tok)
}

// chooseBranch picks the union branch that describes value: the first branch
// that validates, otherwise the branch whose constants and properties best
// match the value. Ties go to the earlier branch.
func chooseBranch(value interface{}, branches []*Schema) *Schema {
	for _, b := range branches {
		if b.Validate(value) {
			return b
		}
	}

	best, bestScore := branches[0], -1<<31
	for _, b := range branches {
		if score := coverage(value, b); score > bestScore {
			best, bestScore = b, score
		}
	}
	return best
}

func coverage(value interface{}, s *Schema) int {
	obj, ok := value.(map[string]interface{})
	if !ok {
		if len(s.Types) == 0 || s.HasType(jsonType(value)) {
			return 1
		}
		return 0
	}

	score := 0
	if len(s.Types) > 0 && !s.HasType("object") {
		score -= 1000
	}
	for key, v := range obj {
		prop := s.Property(key)
		if prop == nil {
			continue
		}
		score++
		if prop.HasConst {
			if reflect.DeepEqual(normalizeNumber(prop.Const), normalizeNumber(v)) {
				score += 100
			} else {
				score -= 1000
			}
		}
	}
	return score
}

func jsonType(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case float64, float32, int, int64, int32:
		return "number"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return ""
	}
}

func normalizeNumber(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return v
	}
}
