// Package validation holds the validator services consulted before a draft
// is saved.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"docflow/api/internal/config"
	"docflow/api/internal/gitrepo"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Result struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations,omitempty"`
}

// Validator checks the content it was registered for. ValidationResult
// reports the outcome of the last Validate call.
type Validator interface {
	Validate(ctx context.Context) error
	ValidationResult() Result
}

// Source reads the content under validation.
type Source func(ctx context.Context) (gitrepo.Content, error)

type RequiredFields struct {
	source   Source
	required []string

	mu     sync.Mutex
	result Result
}

func NewRequiredFields(source Source, required []string) *RequiredFields {
	return &RequiredFields{source: source, required: append([]string(nil), required...), result: Result{Valid: true}}
}

func (v *RequiredFields) Validate(ctx context.Context) error {
	body, err := v.source(ctx)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	result := Result{Valid: true}
	for _, field := range v.required {
		if strings.TrimSpace(fieldValue(body, field)) == "" {
			result.Valid = false
			result.Violations = append(result.Violations, Violation{Field: field, Message: "is required"})
		}
	}
	v.mu.Lock()
	v.result = result
	v.mu.Unlock()
	return nil
}

func (v *RequiredFields) ValidationResult() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result
}

func fieldValue(body gitrepo.Content, field string) string {
	switch field {
	case "title":
		return body.Title
	case "summary":
		return body.Summary
	case "type":
		return body.Type
	case "body":
		if len(body.Body) == 0 || string(body.Body) == "null" {
			return ""
		}
		return string(body.Body)
	}
	return body.Fields[field]
}

// SchemaValidator checks the JSON form of the content against a schema.
type SchemaValidator struct {
	source Source
	schema *jsonschema.Schema

	mu     sync.Mutex
	result Result
}

func NewSchemaValidator(source Source, schema *jsonschema.Schema) *SchemaValidator {
	return &SchemaValidator{source: source, schema: schema, result: Result{Valid: true}}
}

func (v *SchemaValidator) Validate(ctx context.Context) error {
	body, err := v.source(ctx)
	if err != nil {
		return fmt.Errorf("read content: %w", err)
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}

	result := Result{Valid: true}
	if err := v.schema.Validate(instance); err != nil {
		var validationErr *jsonschema.ValidationError
		if !errors.As(err, &validationErr) {
			return fmt.Errorf("validate content: %w", err)
		}
		result.Valid = false
		result.Violations = leafViolations(validationErr)
	}
	v.mu.Lock()
	v.result = result
	v.mu.Unlock()
	return nil
}

func (v *SchemaValidator) ValidationResult() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result
}

func leafViolations(err *jsonschema.ValidationError) []Violation {
	if len(err.Causes) == 0 {
		field := strings.TrimPrefix(err.InstanceLocation, "/")
		return []Violation{{Field: strings.ReplaceAll(field, "/", "."), Message: err.Message}}
	}
	violations := make([]Violation, 0, len(err.Causes))
	for _, cause := range err.Causes {
		violations = append(violations, leafViolations(cause)...)
	}
	return violations
}

func CompileSchema(name string, data []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// Registry knows the validators configured per document type.
type Registry struct {
	required map[string][]string
	schemas  map[string]*jsonschema.Schema
}

// NewRegistry compiles the schema of every configured document type. A type
// without an explicit schema file uses SCHEMA_DIR/<type>.json when present.
func NewRegistry(types map[string]config.DocumentType, schemaDir string) (*Registry, error) {
	r := &Registry{required: make(map[string][]string), schemas: make(map[string]*jsonschema.Schema)}
	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		docType := types[name]
		r.required[name] = append([]string(nil), docType.Required...)
		path := docType.Schema
		explicit := path != ""
		if !explicit {
			if schemaDir == "" {
				continue
			}
			path = name + ".json"
		}
		if !filepath.IsAbs(path) && schemaDir != "" {
			path = filepath.Join(schemaDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read schema for %s: %w", name, err)
		}
		schema, err := CompileSchema(path, data)
		if err != nil {
			return nil, err
		}
		r.schemas[name] = schema
	}
	return r, nil
}

// Validators builds the validator services for one document of docType.
func (r *Registry) Validators(docType string, source Source) []Validator {
	if r == nil {
		return nil
	}
	validators := make([]Validator, 0, 2)
	if required := r.required[docType]; len(required) > 0 {
		validators = append(validators, NewRequiredFields(source, required))
	}
	if schema, ok := r.schemas[docType]; ok {
		validators = append(validators, NewSchemaValidator(source, schema))
	}
	return validators
}
