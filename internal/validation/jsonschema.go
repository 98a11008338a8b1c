package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/keymat/pkg/schema"
)

const configSchemaURL = "https://keymat.dev/schemas/config.json"

// configSchemaJSON is the JSON Schema for the keymat configuration file.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://keymat.dev/schemas/config.json",
  "type": "object",
  "properties": {
    "log": {
      "type": "object",
      "properties": {
        "level": { "type": "string", "enum": ["debug", "info", "warn", "warning", "error"] },
        "format": { "type": "string", "enum": ["text", "json"] }
      },
      "additionalProperties": false
    },
    "secrets": {
      "type": "object",
      "properties": {
        "backend": { "type": "string", "enum": ["aws", "vault", "local"] },
        "timeout": { "$ref": "#/$defs/duration" },
        "key": { "$ref": "#/$defs/secret_ref" },
        "passphrase": { "$ref": "#/$defs/secret_ref" },
        "aws": {
          "type": "object",
          "properties": {
            "access_key_id": { "type": "string" },
            "secret_access_key": { "type": "string" },
            "session_token": { "type": "string" },
            "role_arn": { "type": "string" },
            "role_region": { "type": "string" },
            "role_external_id": { "type": "string" },
            "role_session_name": { "type": "string" },
            "endpoint": { "type": "string" }
          },
          "additionalProperties": false
        },
        "vault": {
          "type": "object",
          "properties": {
            "address": { "type": "string" },
            "token": { "type": "string" },
            "namespace": { "type": "string" },
            "mount": { "type": "string" },
            "kv_version": { "type": "integer", "enum": [1, 2] }
          },
          "additionalProperties": false
        },
        "local": {
          "type": "object",
          "properties": {
            "master_key": { "type": "string" },
            "passphrase": { "type": "string" },
            "salt": { "type": "string" },
            "iterations": { "type": "integer", "minimum": 1 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "warehouse": {
      "type": "object",
      "properties": {
        "account": { "type": "string" },
        "user": { "type": "string" },
        "warehouse": { "type": "string" },
        "database": { "type": "string" },
        "schema": { "type": "string" },
        "role": { "type": "string" },
        "host": { "type": "string" },
        "authenticator": { "type": "string", "enum": ["jwt", "snowflake_jwt", "externalbrowser"] },
        "login_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "checks": {
      "type": "object",
      "properties": {
        "schedule": { "type": "string", "minLength": 1 },
        "retention": { "$ref": "#/$defs/duration" },
        "expectations": {
          "type": "array",
          "items": { "$ref": "#/$defs/expectation" }
        },
        "vars": {
          "type": "object",
          "propertyNames": { "pattern": "^[A-Za-z_][A-Za-z0-9_]*$" }
        }
      },
      "additionalProperties": false
    },
    "store": {
      "type": "object",
      "properties": {
        "path": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "secret_ref": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "location": { "type": "string" },
        "version": { "type": "string" },
        "field": { "type": "string" }
      },
      "additionalProperties": false
    },
    "expectation": {
      "type": "object",
      "required": ["table", "assert"],
      "properties": {
        "table": { "type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_$]*(\\.[A-Za-z_][A-Za-z0-9_$]*){0,2}$" },
        "assert": { "type": "string", "minLength": 1 },
        "engine": { "type": "string", "enum": ["expr", "cel"] }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	configSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the config schema
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal config schema: %w", err)
	}
	if err := c.AddResource(configSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add config schema resource: %w", err)
	}
	compiled, err := c.Compile(configSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	return &JSONSchemaValidator{configSchema: compiled}, nil
}

// ValidateConfig validates a decoded configuration document, as produced
// by unmarshalling YAML into an any. A nil document is an empty config.
func (v *JSONSchemaValidator) ValidateConfig(doc any) error {
	if doc == nil {
		return nil
	}
	val, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeConfig, "config is not representable as JSON").WithCause(err)
	}
	if err := v.configSchema.Validate(val); err != nil {
		return toSchemaError(err)
	}
	return nil
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

// toSchemaError converts a jsonschema.ValidationError into a CONFIG_ERROR
// listing every violation with its location.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeConfig, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeConfig, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeConfig, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("config invalid: %d errors: %s", len(violations), strings.Join(violations, "; "))
	return schema.NewError(schema.ErrCodeConfig, msg).
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
