package validation

// Validator checks a decoded configuration document before it is applied.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateConfig(doc any) error
}

var _ Validator = (*JSONSchemaValidator)(nil)
