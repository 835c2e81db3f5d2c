package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// DefaultSecretMarker is the schema keyword that flags a field as secret.
const DefaultSecretMarker = "airbyte_secret"

// Schema is the subset of JSON Schema needed to locate secret fields, with
// object properties kept in declaration order.
type Schema struct {
	Types  []string
	Secret bool

	Properties           []Property
	AdditionalProperties *Schema

	Items      *Schema
	TupleItems []*Schema

	OneOf []*Schema
	AnyOf []*Schema
	AllOf []*Schema

	Const    interface{}
	HasConst bool

	// Raw is the plain decoded form, used for branch validation.
	Raw interface{}

	defs      map[string]interface{}
	once      sync.Once
	validator *gojsonschema.Schema
	compErr   error
}

// Property is one named entry of an object schema.
type Property struct {
	Name   string
	Schema *Schema
}

// Property returns the schema declared for name, or nil.
func (s *Schema) Property(name string) *Schema {
	for _, p := range s.Properties {
		if p.Name == name {
			return p.Schema
		}
	}
	return nil
}

// HasType reports whether t is one of the declared types.
func (s *Schema) HasType(t string) bool {
	for _, st := range s.Types {
		if st == t {
			return true
		}
	}
	return false
}

// ParseSchema decodes a JSON (or YAML) schema using the default marker.
func ParseSchema(data []byte) (*Schema, error) {
	return parseSchema(data, []string{DefaultSecretMarker})
}

func parseSchema(data []byte, markers []string) (*Schema, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty schema")
	}

	// yaml.v3 keeps mapping order; compacting first strips the tab
	// indentation YAML would reject
	src := data
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err == nil {
		src = compact.Bytes()
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(src, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	b := &builder{markers: markers, root: root, refs: map[*yaml.Node]*Schema{}}
	b.defs = b.definitions()
	return b.build(root)
}

type builder struct {
	markers []string
	root    *yaml.Node
	defs    map[string]interface{}
	// refs holds one schema per $ref target so recursive schemas become
	// cyclic graphs instead of infinite trees.
	refs map[*yaml.Node]*Schema
}

func (b *builder) definitions() map[string]interface{} {
	defs := map[string]interface{}{}
	for _, key := range []string{"definitions", "$defs"} {
		if n := mappingValue(b.root, key); n != nil {
			var v interface{}
			if err := n.Decode(&v); err == nil {
				defs[key] = v
			}
		}
	}
	return defs
}

func (b *builder) build(n *yaml.Node) (*Schema, error) {
	if n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	if ref := mappingValue(n, "$ref"); ref != nil {
		return b.buildRef(ref.Value)
	}
	s := &Schema{defs: b.defs}
	if err := b.fill(s, n); err != nil {
		return nil, err
	}
	return s, nil
}

// buildRef returns the shared schema for a $ref target, building it on
// first use. The schema is registered before it is filled so a reference
// back to it from inside resolves to the same pointer.
func (b *builder) buildRef(ref string) (*Schema, error) {
	target, err := b.followRefs(ref)
	if err != nil {
		return nil, err
	}
	if s, ok := b.refs[target]; ok {
		return s, nil
	}
	s := &Schema{defs: b.defs}
	b.refs[target] = s
	if err := b.fill(s, target); err != nil {
		delete(b.refs, target)
		return nil, fmt.Errorf("$ref %q: %w", ref, err)
	}
	return s, nil
}

// followRefs resolves ref and any chain of schemas that are only a $ref.
func (b *builder) followRefs(ref string) (*yaml.Node, error) {
	seen := map[*yaml.Node]bool{}
	for {
		target, err := b.resolveRef(ref)
		if err != nil {
			return nil, err
		}
		if target.Kind == yaml.AliasNode {
			target = target.Alias
		}
		if seen[target] {
			return nil, fmt.Errorf("circular $ref %q", ref)
		}
		seen[target] = true
		next := mappingValue(target, "$ref")
		if next == nil {
			return target, nil
		}
		ref = next.Value
	}
}

func (b *builder) fill(s *Schema, n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		// boolean schemas accept or reject everything; neither marks secrets
		return n.Decode(&s.Raw)
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: schema must be an object", n.Line)
	}

	if err := n.Decode(&s.Raw); err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i].Value, n.Content[i+1]

		switch key {
		case "type":
			switch val.Kind {
			case yaml.ScalarNode:
				s.Types = []string{val.Value}
			case yaml.SequenceNode:
				for _, t := range val.Content {
					s.Types = append(s.Types, t.Value)
				}
			}
		case "properties":
			if val.Kind != yaml.MappingNode {
				return fmt.Errorf("line %d: properties must be an object", val.Line)
			}
			for j := 0; j+1 < len(val.Content); j += 2 {
				child, err := b.build(val.Content[j+1])
				if err != nil {
					return fmt.Errorf("properties.%s: %w", val.Content[j].Value, err)
				}
				s.Properties = append(s.Properties, Property{Name: val.Content[j].Value, Schema: child})
			}
		case "additionalProperties":
			if val.Kind == yaml.MappingNode {
				child, err := b.build(val)
				if err != nil {
					return fmt.Errorf("additionalProperties: %w", err)
				}
				s.AdditionalProperties = child
			}
		case "items":
			switch val.Kind {
			case yaml.SequenceNode:
				for j, item := range val.Content {
					child, err := b.build(item)
					if err != nil {
						return fmt.Errorf("items[%d]: %w", j, err)
					}
					s.TupleItems = append(s.TupleItems, child)
				}
			default:
				child, err := b.build(val)
				if err != nil {
					return fmt.Errorf("items: %w", err)
				}
				s.Items = child
			}
		case "oneOf", "anyOf", "allOf":
			if val.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: %s must be an array", val.Line, key)
			}
			branches := make([]*Schema, 0, len(val.Content))
			for j, branch := range val.Content {
				child, err := b.build(branch)
				if err != nil {
					return fmt.Errorf("%s[%d]: %w", key, j, err)
				}
				branches = append(branches, child)
			}
			switch key {
			case "oneOf":
				s.OneOf = branches
			case "anyOf":
				s.AnyOf = branches
			default:
				s.AllOf = branches
			}
		case "const":
			if err := val.Decode(&s.Const); err != nil {
				return fmt.Errorf("line %d: %w", val.Line, err)
			}
			s.HasConst = true
		default:
			if b.isMarker(key) {
				var flag bool
				if err := val.Decode(&flag); err == nil && flag {
					s.Secret = true
				}
			}
		}
	}

	return nil
}

func (b *builder) isMarker(key string) bool {
	for _, m := range b.markers {
		if m == key {
			return true
		}
	}
	return false
}

// resolveRef follows a local "#/..." reference from the document root.
func (b *builder) resolveRef(ref string) (*yaml.Node, error) {
	if !strings.HasPrefix(ref, "#") {
		return nil, fmt.Errorf("unsupported $ref %q: only local references are allowed", ref)
	}
	n := b.root
	for _, tok := range splitPointer(strings.TrimPrefix(ref, "#")) {
		switch n.Kind {
		case yaml.MappingNode:
			n = mappingValue(n, tok)
		default:
			n = nil
		}
		if n == nil {
			return nil, fmt.Errorf("unresolvable $ref %q", ref)
		}
	}
	return n, nil
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

// Validate reports whether value satisfies s. Schemas that cannot be
// compiled never validate.
func (s *Schema) Validate(value interface{}) bool {
	s.once.Do(func() {
		doc := s.Raw
		if m, ok := s.Raw.(map[string]interface{}); ok && len(s.defs) > 0 {
			merged := make(map[string]interface{}, len(m)+len(s.defs))
			for k, v := range m {
				merged[k] = v
			}
			for k, v := range s.defs {
				if _, ok := merged[k]; !ok {
					merged[k] = v
				}
			}
			doc = merged
		}
		s.validator, s.compErr = gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	})
	if s.compErr != nil {
		return false
	}
	res, err := s.validator.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return false
	}
	return res.Valid()
}
