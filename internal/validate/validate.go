// Package validate checks request bodies against JSON schemas.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const rootField = "(root)"

// FieldError describes one violated constraint.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is returned when a body does not satisfy its schema.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

// Schema is a compiled JSON schema.
type Schema struct {
	schema *gojsonschema.Schema
}

// MustCompile compiles a schema literal and panics on error. Schemas are
// package-level constants so a failure is a programming error.
func MustCompile(source string) *Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return &Schema{schema: s}
}

// Validate checks raw. Malformed JSON is reported as a field error on "body".
func (s *Schema) Validate(raw []byte) error {
	if len(raw) == 0 {
		return &Error{Fields: []FieldError{{Field: "body", Message: "request body is required"}}}
	}
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &Error{Fields: []FieldError{{Field: "body", Message: "malformed JSON"}}}
	}
	if result.Valid() {
		return nil
	}

	fields := make([]FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := re.Field()
		// Missing properties are reported against the parent.
		if prop, ok := re.Details()["property"].(string); ok && re.Type() == "required" {
			if field == rootField {
				field = prop
			} else {
				field = field + "." + prop
			}
		}
		fields = append(fields, FieldError{Field: field, Message: re.Description()})
	}
	sort.SliceStable(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return &Error{Fields: fields}
}
