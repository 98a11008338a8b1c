package schema

import "fmt"

// SecretRef identifies one secret in a secret store. It is created at the
// call site and never persisted.
type SecretRef struct {
	// Name is the logical secret name (AWS secret ID, Vault path, local key).
	Name string `yaml:"name" json:"name"`
	// Location is the store location, e.g. an AWS region. Backends that have
	// no notion of location ignore it.
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	// Version pins a single secret version. Empty means the current one.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`
	// Field is an optional jq expression selecting a value out of a JSON
	// text secret, e.g. ".private_key".
	Field string `yaml:"field,omitempty" json:"field,omitempty"`
}

// String renders the reference for logs and error messages. It never
// contains secret material.
func (r SecretRef) String() string {
	s := r.Name
	if r.Location != "" {
		s = r.Location + "/" + s
	}
	if r.Version != "" {
		s += "@" + r.Version
	}
	if r.Field != "" {
		s += "#" + r.Field
	}
	return s
}

// Validate checks that the reference names a secret.
func (r SecretRef) Validate() error {
	if r.Name == "" {
		return NewError(ErrCodeValidation, "secret reference has no name")
	}
	return nil
}

// Details returns error details that identify the secret without leaking it.
func (r SecretRef) Details() map[string]any {
	d := map[string]any{"secret": r.Name}
	if r.Location != "" {
		d["location"] = r.Location
	}
	if r.Version != "" {
		d["version"] = r.Version
	}
	return d
}

// SecretUnavailable builds the retrieval-layer error for ref.
func SecretUnavailable(ref SecretRef, cause error, format string, args ...any) *Error {
	msg := fmt.Sprintf("secret %q: ", ref.Name) + fmt.Sprintf(format, args...)
	return NewError(ErrCodeSecretUnavailable, msg).
		WithCause(cause).
		WithDetails(ref.Details())
}
