package schema

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"gopkg.in/yaml.v3"
)

// ErrUnknownEntityType is returned by Registry.Get for unregistered types.
var ErrUnknownEntityType = errors.New("unknown entity type")

//go:embed definitions/*.yaml
var definitions embed.FS

// Registry is a read-only lookup table of entity schemas.
// It is safe for concurrent use because it is never mutated after construction.
type Registry struct {
	schemas map[string]*EntitySchema
}

// NewRegistry builds a registry from the given schemas.
// Every schema is validated and entity types must be unique.
func NewRegistry(schemas ...EntitySchema) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*EntitySchema, len(schemas))}

	for i := range schemas {
		s := schemas[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.schemas[s.EntityType]; exists {
			return nil, fmt.Errorf("entity type already registered: %s", s.EntityType)
		}
		r.schemas[s.EntityType] = &s
	}

	return r, nil
}

// Default returns a registry populated from the embedded definitions.
func Default() (*Registry, error) {
	files, err := fs.Glob(definitions, "definitions/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	var all []EntitySchema
	for _, name := range files {
		data, err := definitions.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path.Base(name), err)
		}
		schemas, err := LoadYAML(data)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path.Base(name), err)
		}
		all = append(all, schemas...)
	}

	return NewRegistry(all...)
}

// LoadYAML decodes one or more schemas from a YAML document.
// A document may hold a single schema or a list under "schemas".
func LoadYAML(data []byte) ([]EntitySchema, error) {
	var doc struct {
		Schemas      []EntitySchema `yaml:"schemas"`
		EntitySchema `yaml:",inline"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}

	if len(doc.Schemas) > 0 {
		return doc.Schemas, nil
	}
	if doc.EntityType == "" {
		return nil, errors.New("decode schema: no entityType or schemas found")
	}
	return []EntitySchema{doc.EntitySchema}, nil
}

// Get returns the schema for an entity type.
func (r *Registry) Get(entityType string) (*EntitySchema, error) {
	s, ok := r.schemas[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return s, nil
}

// All returns every registered schema sorted by entity type.
func (r *Registry) All() []*EntitySchema {
	result := make([]*EntitySchema, 0, len(r.schemas))
	for _, s := range r.schemas {
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EntityType < result[j].EntityType
	})

	return result
}

// Len returns the number of registered schemas.
func (r *Registry) Len() int {
	return len(r.schemas)
}
