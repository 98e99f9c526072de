package enrichment

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateParameterSchema compiles a discovered tool's JSON-schema
// parameter definition, rejecting it before it can reach an outgoing
// request. An empty/absent schema is valid (tools may take no arguments).
func validateParameterSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}
