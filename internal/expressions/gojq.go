package expressions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/keymat/pkg/schema"
)

// Reasons a field cannot be selected. None of them carry document text.
var (
	ErrNotJSONObject   = errors.New("secret is not a JSON object")
	ErrFieldMissing    = errors.New("field not present")
	ErrFieldEmpty      = errors.New("field is empty")
	ErrFieldAmbiguous  = errors.New("query yields more than one value")
	ErrFieldNotAString = errors.New("field is not a string")
)

// FieldSelector picks one string out of a JSON text secret with a jq
// query, e.g. `.private_key` or `.snowflake.passphrase`. AWS console
// key/value secrets are stored this way. Queries cannot read $ENV.
type FieldSelector struct {
	mu      sync.RWMutex
	queries map[string]*gojq.Code
}

// NewFieldSelector creates a FieldSelector with an empty query cache.
func NewFieldSelector() *FieldSelector {
	return &FieldSelector{queries: make(map[string]*gojq.Code)}
}

// Select runs query against doc and returns the single non-empty string it
// yields. The caller owns and wipes doc; the result is a fresh copy.
func (s *FieldSelector) Select(ctx context.Context, query string, doc []byte) ([]byte, error) {
	code, err := s.compiled(query)
	if err != nil {
		return nil, err
	}

	var obj map[string]any
	if err := json.Unmarshal(doc, &obj); err != nil || obj == nil {
		return nil, ErrNotJSONObject
	}

	iter := code.RunWithContext(ctx, obj)
	out, ok := iter.Next()
	if !ok {
		return nil, ErrFieldMissing
	}
	if _, isErr := out.(error); isErr {
		// gojq errors quote the value they failed on.
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq query %q failed", query).
			WithDetails(map[string]any{"expression": query})
	}
	if _, more := iter.Next(); more {
		return nil, ErrFieldAmbiguous
	}

	switch v := out.(type) {
	case nil:
		return nil, ErrFieldMissing
	case string:
		if v == "" {
			return nil, ErrFieldEmpty
		}
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("%w: got %s", ErrFieldNotAString, jsonKind(v))
	}
}

func (s *FieldSelector) compiled(query string) (*gojq.Code, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq query")
	}

	s.mu.RLock()
	code := s.queries[query]
	s.mu.RUnlock()
	if code != nil {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq query %q does not parse", query).
			WithCause(err).
			WithDetails(map[string]any{"expression": query})
	}
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq query %q does not compile", query).
			WithCause(err).
			WithDetails(map[string]any{"expression": query})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached := s.queries[query]; cached != nil {
		return cached, nil
	}
	s.queries[query] = code
	return code, nil
}

// jsonKind names a decoded JSON value's type without printing it.
func jsonKind(v any) string {
	switch v.(type) {
	case bool:
		return "boolean"
	case float64, int, json.Number:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
