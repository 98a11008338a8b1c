package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/keymat/pkg/schema"
)

// assertionEnv is what a row-count assertion can see. Any other identifier
// is a compile error.
type assertionEnv struct {
	Count int64          `expr:"count"`
	Table string         `expr:"table"`
	Vars  map[string]any `expr:"vars"`
}

func newAssertionEnv(data map[string]any) assertionEnv {
	env := assertionEnv{Vars: map[string]any{}}
	if n, ok := toInt64(data["count"]).(int64); ok {
		env.Count = n
	}
	if s, ok := data["table"].(string); ok {
		env.Table = s
	}
	if v, ok := data["vars"].(map[string]any); ok && v != nil {
		env.Vars = v
	}
	return env
}

// ExprEngine evaluates expr-lang/expr row-count assertions such as
// `count > 0 && count < 5000`. It is the default engine. Assertions must
// be boolean; `count + 1` is rejected when compiled, not when run.
type ExprEngine struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEngine creates an ExprEngine with an empty program cache.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: make(map[string]*vm.Program)}
}

// Name returns "expr".
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs assertion with count, table and vars taken from data.
// The result is always a bool.
func (e *ExprEngine) Evaluate(ctx context.Context, assertion string, data map[string]any) (any, error) {
	prg, err := e.program(assertion)
	if err != nil {
		return nil, err
	}

	out, err := expr.Run(prg, newAssertionEnv(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "assertion %q failed to run", assertion).
			WithCause(err).
			WithDetails(map[string]any{"expression": assertion})
	}
	return out, nil
}

func (e *ExprEngine) program(assertion string) (*vm.Program, error) {
	if assertion == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty assertion")
	}

	e.mu.RLock()
	prg := e.programs[assertion]
	e.mu.RUnlock()
	if prg != nil {
		return prg, nil
	}

	prg, err := expr.Compile(assertion, expr.Env(assertionEnv{}), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assertion %q does not compile", assertion).
			WithCause(err).
			WithDetails(map[string]any{"expression": assertion})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cached := e.programs[assertion]; cached != nil {
		return cached, nil
	}
	e.programs[assertion] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
