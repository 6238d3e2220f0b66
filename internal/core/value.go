package core

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JonMunkholm/dataimport/internal/schema"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339Nano
)

// Value is a coerced cell. Kind selects which of the payload fields is set.
// The zero Value has an empty Kind and represents "absent".
type Value struct {
	Kind  schema.FieldKind
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Time  time.Time
}

func StringValue(s string) Value { return Value{Kind: schema.KindString, Str: s} }
func EnumValue(s string) Value { return Value{Kind: schema.KindEnum, Str: s} }
func IntValue(i int64) Value { return Value{Kind: schema.KindInt, Int: i} }
func FloatValue(f float64) Value { return Value{Kind: schema.KindFloat, Float: f} }
func BoolValue(b bool) Value { return Value{Kind: schema.KindBool, Bool: b} }
func DateValue(t time.Time) Value { return Value{Kind: schema.KindDate, Time: t} }

// IsZero reports whether v is absent.
func (v Value) IsZero() bool { return v.Kind == "" }

// String returns the canonical text form: numbers without grouping,
// booleans as "true"/"false", dates as ISO-8601.
func (v Value) String() string {
	switch v.Kind {
	case schema.KindString, schema.KindEnum:
		return v.Str
	case schema.KindInt:
		return strconv.FormatInt(v.Int, 10)
	case schema.KindFloat:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	case schema.KindBool:
		return strconv.FormatBool(v.Bool)
	case schema.KindDate:
		return formatDate(v.Time)
	}
	return ""
}

func formatDate(t time.Time) string {
	if t.Location() == time.UTC && t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(dateLayout)
	}
	return t.Format(dateTimeLayout)
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case schema.KindString, schema.KindEnum:
		return v.Str == o.Str
	case schema.KindInt:
		return v.Int == o.Int
	case schema.KindFloat:
		return v.Float == o.Float
	case schema.KindBool:
		return v.Bool == o.Bool
	case schema.KindDate:
		return v.Time.Equal(o.Time)
	}
	return true
}

// Interface returns the JSON-friendly Go value: string, int64, float64,
// bool, or the canonical date string.
func (v Value) Interface() any {
	switch v.Kind {
	case schema.KindString, schema.KindEnum:
		return v.Str
	case schema.KindInt:
		return v.Int
	case schema.KindFloat:
		return v.Float
	case schema.KindBool:
		return v.Bool
	case schema.KindDate:
		return formatDate(v.Time)
	}
	return nil
}

type jsonValue struct {
	Kind  schema.FieldKind `json:"kind"`
	Value json.RawMessage  `json:"value"`
}

// MarshalJSON encodes v as {"kind": ..., "value": ...}.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	raw, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Value{}
		return nil
	}

	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return err
	}

	out := Value{Kind: jv.Kind}
	var err error
	switch jv.Kind {
	case schema.KindString, schema.KindEnum:
		err = json.Unmarshal(jv.Value, &out.Str)
	case schema.KindInt:
		err = json.Unmarshal(jv.Value, &out.Int)
	case schema.KindFloat:
		err = json.Unmarshal(jv.Value, &out.Float)
	case schema.KindBool:
		err = json.Unmarshal(jv.Value, &out.Bool)
	case schema.KindDate:
		var s string
		if err = json.Unmarshal(jv.Value, &s); err == nil {
			out.Time, err = parseCanonicalDate(s)
		}
	default:
		return fmt.Errorf("unknown value kind %q", jv.Kind)
	}
	if err != nil {
		return fmt.Errorf("decode %s value: %w", jv.Kind, err)
	}

	*v = out
	return nil
}

func parseCanonicalDate(s string) (time.Time, error) {
	if t, err := time.Parse(dateLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Values maps field names to coerced values. Absent fields have no entry.
type Values map[string]Value

// Clone returns a shallow copy.
func (vs Values) Clone() Values {
	out := make(Values, len(vs))
	for k, v := range vs {
		out[k] = v
	}
	return out
}

// Key is the natural key of a record: the key field values in schema order.
type Key []Value

// KeyOf extracts the natural key from values. It reports false when any key
// field is absent.
func KeyOf(s *schema.EntitySchema, vs Values) (Key, bool) {
	fields := s.KeyFields()
	key := make(Key, 0, len(fields))
	for _, f := range fields {
		v, ok := vs[f.Name]
		if !ok || v.IsZero() {
			return nil, false
		}
		key = append(key, v)
	}
	return key, true
}

// String is the canonical, comparable encoding of the key. Stores index
// records by it.
func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return strings.Join(parts, "\x1f")
}

// Display formats the key for messages.
func (k Key) Display() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return strings.Join(parts, " | ")
}

// Record is a stored entity instance.
type Record struct {
	ID         string    `json:"id"`
	EntityType string    `json:"entityType"`
	Key        string    `json:"-"`
	Values     Values    `json:"values"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Filter selects records whose field values equal the given values.
type Filter map[string]Value

// Matches reports whether rec satisfies every condition in f.
func (f Filter) Matches(rec Record) bool {
	for field, want := range f {
		got, ok := rec.Values[field]
		if !ok || !got.Equal(want) {
			return false
		}
	}
	return true
}
