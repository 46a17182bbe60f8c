// Package metaschema validates entity metadata blobs against per-type JSON
// Schemas. Types without a registered schema only require well-formed JSON.
package metaschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/task-mcp/internal/store"
)

// fileSchema constrains metadata recorded for file entities. Other entity
// types carry free-form JSON.
const fileSchema = `{
	"type": "object",
	"properties": {
		"size_bytes": {"type": "integer", "minimum": 0},
		"language": {"type": "string"},
		"line_count": {"type": "integer", "minimum": 0},
		"checksum": {"type": "string"}
	},
	"additionalProperties": true
}`

// Validator compiles one JSON Schema per entity type and checks metadata
// against the matching schema. It implements store.MetadataValidator.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New returns a Validator with the built-in schema for file entities.
func New() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	if err := v.Register(string(store.EntityTypeFile), json.RawMessage(fileSchema)); err != nil {
		return nil, err
	}
	return v, nil
}

// Register compiles and installs a schema for the given entity type,
// replacing any existing one.
func (v *Validator) Register(entityType string, schemaJSON json.RawMessage) error {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return fmt.Errorf("unmarshal schema for %s: %w", entityType, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %s: %w", entityType, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", entityType, err)
	}
	v.schemas[entityType] = schema
	return nil
}

// Validate checks metadata against the schema registered for entityType.
// Empty metadata and unregistered types pass.
func (v *Validator) Validate(entityType string, metadata []byte) error {
	if len(metadata) == 0 {
		return nil
	}
	schema, ok := v.schemas[entityType]
	if !ok {
		return nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(metadata)))
	if err != nil {
		return &store.ValidationError{Field: "metadata", Reason: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &store.ValidationError{Field: "metadata", Reason: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return nil
}
