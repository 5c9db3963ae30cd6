package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"mcp_gateway/backend/go/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a malformed WorkRequest. Such requests are never
// delegated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

func compileSchemas(schemas map[string][]byte) (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(schemas))
	for op, raw := range schemas {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for '%s': %w", op, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for '%s': %w", op, err)
		}
		schema, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for '%s': %w", op, err)
		}
		out[op] = schema
	}
	return out, nil
}

// validate is the INIT check: a non-blank operation, non-blank parameter
// names, JSON-representable values and, when one is registered, conformance
// to the operation's input schema.
func (o *Orchestrator) validate(req models.WorkRequest) error {
	if strings.TrimSpace(req.Operation()) == "" {
		return &ValidationError{Field: "operation", Reason: "must not be empty"}
	}
	for _, k := range req.Params().Keys() {
		if strings.TrimSpace(k) == "" {
			return &ValidationError{Field: "params", Reason: "contain an empty parameter name"}
		}
	}

	data, err := json.Marshal(req.Params().Map())
	if err != nil {
		return &ValidationError{Field: "params", Reason: fmt.Sprintf("are not representable as JSON: %v", err)}
	}

	schema, ok := o.schemas[req.Operation()]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Field: "params", Reason: err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return &ValidationError{Field: "params", Reason: fmt.Sprintf("do not match the %s schema: %v", req.Operation(), err)}
	}
	return nil
}
