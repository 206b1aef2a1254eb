package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gowebpki/jcs"
)

// ErrNotObject is returned when a payload is valid JSON but not an object.
var ErrNotObject = errors.New("payload must be a JSON object")

var emptyObject = []byte("{}")

// Document is a structured JSON-object payload held in canonical form.
// The zero value is the empty object.
type Document struct {
	raw []byte
}

// ParseDocument canonicalizes raw JSON. Empty input and JSON null yield the
// empty object.
func ParseDocument(raw []byte) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Document{}, nil
	}
	if trimmed[0] != '{' {
		return Document{}, ErrNotObject
	}
	out, err := jcs.Transform(trimmed)
	if err != nil {
		return Document{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	return Document{raw: out}, nil
}

// NewDocument marshals v to JSON and canonicalizes the result.
func NewDocument(v any) (Document, error) {
	if d, ok := v.(Document); ok {
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("marshal payload: %w", err)
	}
	return ParseDocument(b)
}

// MustDocument is like NewDocument but panics on error.
func MustDocument(v any) Document {
	d, err := NewDocument(v)
	if err != nil {
		panic(err)
	}
	return d
}

// Bytes returns the canonical encoding. Callers must not modify the result.
func (d Document) Bytes() []byte {
	if len(d.raw) == 0 {
		return emptyObject
	}
	return d.raw
}

// IsEmpty reports whether d is the empty object.
func (d Document) IsEmpty() bool {
	return len(d.raw) == 0 || bytes.Equal(d.raw, emptyObject)
}

// Equal reports whether two documents have the same canonical form.
func (d Document) Equal(o Document) bool {
	return bytes.Equal(d.Bytes(), o.Bytes())
}

// Decode unmarshals the document into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Bytes(), v)
}

// Field returns the raw value stored under key.
func (d Document) Field(key string) (json.RawMessage, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(d.Bytes(), &m); err != nil {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

// With returns a copy of d with key set to value.
func (d Document) With(key string, value any) (Document, error) {
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(d.Bytes(), &m); err != nil {
		return Document{}, fmt.Errorf("decode payload: %w", err)
	}
	b, err := json.Marshal(value)
	if err != nil {
		return Document{}, fmt.Errorf("marshal %s: %w", key, err)
	}
	m[key] = b
	return NewDocument(m)
}

func (d Document) String() string { return string(d.Bytes()) }

// MarshalJSON implements json.Marshaler.
func (d Document) MarshalJSON() ([]byte, error) {
	return d.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Document) UnmarshalJSON(b []byte) error {
	parsed, err := ParseDocument(b)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
