package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// validateConfig checks a guest config against its JSON Schema. The config
// is normalised through encoding/json first so YAML-decoded integers and
// nested maps validate the same way JSON input would.
func validateConfig(name, schema string, config map[string]any) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://rampart.schemas.local/plugins/%s/config.schema.json", name)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("config schema load failed: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("config schema compile failed: %w", err)
	}

	if config == nil {
		config = map[string]any{}
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("config encode failed: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("config decode failed: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("config schema validation failed: %w", err)
	}
	return nil
}
