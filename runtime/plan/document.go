package plan

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/loom/runtime/fault"
)

//go:embed plan_schema.json
var planSchemaBytes []byte

// Decode parses a plan document, checks it against the plan JSON schema,
// normalizes it, and validates the task DAG. It is the single ingress for
// externally produced plans; errors carry a validation or dependency-cycle
// fault kind.
func Decode(data []byte) (Plan, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return Plan{}, fault.Wrap(fault.KindValidation, "parse plan document", err)
	}
	if err := validateDocument(payload); err != nil {
		return Plan{}, fault.Wrap(fault.KindValidation, "plan document does not match schema", err)
	}

	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return Plan{}, fault.Wrap(fault.KindValidation, "decode plan document", err)
	}
	p = Normalize(p)
	if err := Validate(p); err != nil {
		return Plan{}, err
	}
	return p, nil
}

// validateDocument checks a decoded JSON value against the embedded plan
// schema.
func validateDocument(payload any) error {
	var schemaDoc any
	if err := json.Unmarshal(planSchemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("plan_schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("plan_schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	return schema.Validate(payload)
}
