package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrSchemaViolation is returned when a payload does not satisfy its schema.
var ErrSchemaViolation = errors.New("payload schema violation")

// Schema validates payload documents against a compiled JSON Schema
// (draft 2020-12). A nil *Schema accepts every document.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// CompileSchema compiles a JSON Schema source under the given name.
func CompileSchema(name, source string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://vault.schemas.local/payload/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("load schema %s: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// Name returns the schema name given at compile time.
func (s *Schema) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Validate checks doc against the schema.
func (s *Schema) Validate(doc Document) error {
	if s == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc.Bytes()))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	return nil
}
