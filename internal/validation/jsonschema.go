package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loomhq/loom/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://loom.dev/schemas/workflow.json",
  "type": "object",
  "required": ["workflow_id", "nodes"],
  "properties": {
    "workflow_id": {
      "type": "string",
      "minLength": 1
    },
    "version": {
      "type": "integer",
      "minimum": 0
    },
    "name": { "type": "string" },
    "nodes": {
      "type": "object",
      "minProperties": 1,
      "maxProperties": 100,
      "additionalProperties": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    },
    "global_variables": {
      "type": "object"
    },
    "max_execution_time_seconds": {
      "type": "number",
      "exclusiveMinimum": 0
    },
    "max_retries": {
      "type": "integer",
      "minimum": 0,
      "maximum": 10
    },
    "retry_failed_nodes": { "type": "boolean" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["node_id", "node_type"],
      "properties": {
        "node_id": {
          "type": "string",
          "minLength": 1
        },
        "node_type": {
          "type": "string",
          "enum": [
            "trigger-command", "trigger-event", "trigger-webhook", "trigger-schedule",
            "condition-if", "condition-switch", "condition-filter",
            "action-module", "action-webhook", "action-chat-message",
            "action-browser-source", "action-delay",
            "data-transform", "data-variable-set", "data-variable-get",
            "loop-foreach", "loop-while", "loop-break",
            "flow-merge", "flow-parallel", "flow-end"
          ]
        },
        "label": { "type": "string" },
        "position": {
          "type": "object",
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          },
          "additionalProperties": false
        },
        "enabled": { "type": "boolean" },
        "input_ports": {
          "type": "array",
          "items": { "$ref": "#/$defs/port" }
        },
        "output_ports": {
          "type": "array",
          "items": { "$ref": "#/$defs/port" }
        },
        "config": {}
      },
      "additionalProperties": false
    },
    "port": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "data_type": {
          "type": "string",
          "enum": ["string", "number", "boolean", "object", "array", "any"]
        }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["connection_id", "from_node_id", "to_node_id"],
      "properties": {
        "connection_id": {
          "type": "string",
          "minLength": 1
        },
        "from_node_id": {
          "type": "string",
          "minLength": 1
        },
        "from_port_name": { "type": "string" },
        "to_node_id": {
          "type": "string",
          "minLength": 1
        },
        "to_port_name": { "type": "string" },
        "enabled": { "type": "boolean" },
        "conditional": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// structuralValidator checks a WorkflowDefinition against the embedded
// JSON Schema. It is safe for concurrent use.
type structuralValidator struct {
	workflowSchema *jsonschema.Schema
}

// newStructuralValidator pre-compiles the workflow schema.
func newStructuralValidator() (*structuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://loom.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://loom.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &structuralValidator{workflowSchema: wfSchema}, nil
}

// validate runs the JSON Schema plus structural checks the schema cannot
// express: map keys matching node IDs, duplicate connection IDs.
func (v *structuralValidator) validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return result
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		for _, violation := range schemaViolations(err) {
			result.AddError("/", schema.ErrCodeValidation, violation)
		}
		return result
	}

	for key, node := range def.Nodes {
		if node == nil {
			result.AddError("nodes/"+key, schema.ErrCodeValidation, "node is null")
			continue
		}
		if node.ID != "" && node.ID != key {
			result.AddError("nodes/"+key, schema.ErrCodeValidation,
				fmt.Sprintf("node key %q does not match node_id %q", key, node.ID))
		}
	}

	seen := make(map[string]struct{}, len(def.Connections))
	for i, conn := range def.Connections {
		if conn == nil {
			result.AddError(fmt.Sprintf("connections[%d]", i), schema.ErrCodeValidation, "connection is null")
			continue
		}
		if _, dup := seen[conn.ID]; dup {
			result.AddError(fmt.Sprintf("connections[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate connection id %q", conn.ID))
		}
		seen[conn.ID] = struct{}{}
	}

	return result
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

// schemaViolations flattens a jsonschema validation error into leaf
// messages with their instance locations.
func schemaViolations(err error) []string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	violations := collectViolations(verr)
	if len(violations) == 0 {
		return []string{verr.Error()}
	}
	return violations
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
