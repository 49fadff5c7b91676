package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func configSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

// SchemaJSON returns the embedded JSON Schema for config.yaml.
func SchemaJSON() []byte {
	return append([]byte(nil), schemaJSON...)
}

// ValidateDocument checks a raw config.yaml document against the schema.
// Unknown keys and out-of-range values are reported before any defaults
// are applied.
func ValidateDocument(data []byte) error {
	schema, err := configSchema()
	if err != nil {
		return err
	}
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config.yaml: %w", err)
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return fmt.Errorf("convert config.yaml: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config.yaml: %w", err)
	}
	return nil
}
