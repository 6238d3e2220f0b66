// Package schema holds the canonical entity definitions that imports are
// mapped, validated and exported against.
//
// Schemas are declared in YAML (see the definitions directory), loaded once
// at process start and never mutated afterwards. Field order in a schema is
// the display and export column order.
package schema

import (
	"fmt"
	"strings"
)

// FieldKind is the semantic type of a canonical field.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindInt    FieldKind = "int"
	KindFloat  FieldKind = "float"
	KindBool   FieldKind = "bool"
	KindDate   FieldKind = "date"
	KindEnum   FieldKind = "enum"
)

// Valid reports whether k is one of the known kinds.
func (k FieldKind) Valid() bool {
	switch k {
	case KindString, KindInt, KindFloat, KindBool, KindDate, KindEnum:
		return true
	}
	return false
}

// FieldSpec defines a single canonical field.
//
// Min and Max bound the numeric value for int and float fields and the
// length in characters for string fields. They are ignored for other kinds.
type FieldSpec struct {
	Name       string    `yaml:"name" json:"name"`
	Label      string    `yaml:"label,omitempty" json:"label,omitempty"`
	Kind       FieldKind `yaml:"kind" json:"kind"`
	Required   bool      `yaml:"required,omitempty" json:"required"`
	IsKey      bool      `yaml:"key,omitempty" json:"isKey"`
	EnumValues []string  `yaml:"enum,omitempty" json:"enumValues,omitempty"`
	Min        *float64  `yaml:"min,omitempty" json:"min,omitempty"`
	Max        *float64  `yaml:"max,omitempty" json:"max,omitempty"`
	Aliases    []string  `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// HasBounds reports whether the field declares a lower or upper bound that
// applies to its kind.
func (f FieldSpec) HasBounds() bool {
	switch f.Kind {
	case KindString, KindInt, KindFloat:
		return f.Min != nil || f.Max != nil
	}
	return false
}

// EntitySchema is the ordered set of canonical fields for one entity type.
type EntitySchema struct {
	EntityType string      `yaml:"entityType" json:"entityType"`
	Label      string      `yaml:"label,omitempty" json:"label,omitempty"`
	Fields     []FieldSpec `yaml:"fields" json:"fields"`
}

// Field returns the field with the given name.
func (s *EntitySchema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// KeyFields returns the natural key fields in declaration order.
func (s *EntitySchema) KeyFields() []FieldSpec {
	var keys []FieldSpec
	for _, f := range s.Fields {
		if f.IsKey {
			keys = append(keys, f)
		}
	}
	return keys
}

// FieldNames returns the field names in declaration order.
func (s *EntitySchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks that the schema is internally consistent.
func (s *EntitySchema) Validate() error {
	var errs []string

	if strings.TrimSpace(s.EntityType) == "" {
		errs = append(errs, "entityType is required")
	}
	if len(s.Fields) == 0 {
		errs = append(errs, "at least one field is required")
	}

	seen := make(map[string]bool, len(s.Fields))
	keys := 0
	for i, f := range s.Fields {
		switch {
		case f.Name == "":
			errs = append(errs, fmt.Sprintf("field %d: name is required", i+1))
			continue
		case seen[f.Name]:
			errs = append(errs, fmt.Sprintf("field %q: declared more than once", f.Name))
		}
		seen[f.Name] = true

		if !f.Kind.Valid() {
			errs = append(errs, fmt.Sprintf("field %q: unknown kind %q", f.Name, f.Kind))
		}
		if f.Kind == KindEnum && len(f.EnumValues) == 0 {
			errs = append(errs, fmt.Sprintf("field %q: enum field needs at least one value", f.Name))
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			errs = append(errs, fmt.Sprintf("field %q: min %v exceeds max %v", f.Name, *f.Min, *f.Max))
		}
		if f.IsKey {
			keys++
			if !f.Required {
				errs = append(errs, fmt.Sprintf("field %q: key fields must be required", f.Name))
			}
		}
	}
	if keys == 0 {
		errs = append(errs, "at least one field must be marked as key")
	}

	if len(errs) > 0 {
		return fmt.Errorf("schema %q: %s", s.EntityType, strings.Join(errs, "; "))
	}
	return nil
}
