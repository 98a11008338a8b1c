// Package checks runs row-count assertions against warehouse tables and
// records the outcome of each run.
package checks

import (
	"strconv"

	"github.com/rendis/keymat/internal/warehouse"
	"github.com/rendis/keymat/pkg/schema"
)

// Expectation asserts something about a table's row count.
//
// Assert is a boolean expression with two variables: count (int) and
// table (string). For example `count == 1876` or `count > 0`.
type Expectation struct {
	Table  string `yaml:"table" json:"table"`
	Assert string `yaml:"assert" json:"assert"`
	// Engine is "expr" (default) or "cel".
	Engine string `yaml:"engine,omitempty" json:"engine,omitempty"`
}

// Validate checks the table name and that an assertion is present.
func (e Expectation) Validate() error {
	if _, err := warehouse.QuoteIdentifier(e.Table); err != nil {
		return err
	}
	if e.Assert == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "expectation for %q has no assertion", e.Table)
	}
	switch e.Engine {
	case "", "expr", "cel":
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"expectation for %q: unknown engine %q", e.Table, e.Engine)
	}
	return nil
}

// ExactCount builds the `count == n` expectation.
func ExactCount(table string, n int64) Expectation {
	return Expectation{Table: table, Assert: "count == " + strconv.FormatInt(n, 10)}
}
