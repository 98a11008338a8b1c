package expressions

import (
	"context"
	"fmt"

	"github.com/rendis/keymat/pkg/schema"
)

// Engine evaluates a row-count assertion. data carries count, table and
// vars. Secret fields are picked by FieldSelector instead.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// NewEngine returns the assertion engine registered under name.
// An empty name selects expr.
func NewEngine(name string) (Engine, error) {
	switch name {
	case "", "expr":
		return NewExprEngine(), nil
	case "cel":
		return NewCELEngine()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name)
	}
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("%s expression %q returned %T, want bool", e.Name(), expression, out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}
