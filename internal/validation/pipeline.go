// Package validation checks pipeline definitions against a JSON Schema before
// units are registered, so malformed definitions fail at load time with
// actionable messages instead of surfacing mid-run.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/appforge/conductor/pkg/schema"
)

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.appforge.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["name", "units"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "units": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/unit" }
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "unit": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "display_name": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "completion_mode": {
          "type": "string",
          "enum": ["auto_close", "requires_review"]
        },
        "shares_output_to": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "input_map": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "export": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "multiplier": {
          "type": "number",
          "minimum": 0
        }
      },
      "additionalProperties": false
    }
  }
}`

// PipelineValidator validates PipelineDefinition documents against the
// pipeline JSON Schema (Draft 2020-12). Safe for concurrent use.
type PipelineValidator struct {
	pipelineSchema *jsonschema.Schema
}

// NewPipelineValidator creates a validator with the pipeline schema pre-compiled.
func NewPipelineValidator() (*PipelineValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(pipelineSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal pipeline schema: %w", err)
	}
	if err := c.AddResource("https://conductor.appforge.dev/schemas/pipeline.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add pipeline schema resource: %w", err)
	}

	compiled, err := c.Compile("https://conductor.appforge.dev/schemas/pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}

	return &PipelineValidator{pipelineSchema: compiled}, nil
}

// ValidateDefinition validates a PipelineDefinition against the pipeline JSON
// Schema, plus the structural checks JSON Schema cannot express.
func (v *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline definition").WithCause(err)
	}

	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toConductorError(err)
	}

	seen := make(map[string]struct{}, len(def.Units))
	for _, u := range def.Units {
		if _, exists := seen[u.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate unit id %q", u.ID))
		}
		seen[u.ID] = struct{}{}
	}

	return nil
}

// ParseDefinition decodes raw JSON into a PipelineDefinition and validates it.
// The schema check runs against the raw document so unknown fields are caught
// before they are silently dropped by decoding.
func (v *PipelineValidator) ParseDefinition(raw []byte) (*schema.PipelineDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is not valid JSON").WithCause(err)
	}
	if err := v.pipelineSchema.Validate(doc); err != nil {
		return nil, toConductorError(err)
	}

	var def schema.PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline definition is not valid JSON").WithCause(err)
	}
	if err := v.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toConductorError converts a jsonschema.ValidationError into a typed error
// with one message per leaf violation.
func toConductorError(err error) *schema.ConductorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
