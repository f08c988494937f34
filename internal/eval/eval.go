// Package eval provides the bounded expression evaluator used for loop
// exit conditions and router rules. Expressions are total functions over a
// named environment: comparisons, boolean connectives, member access, and
// literals only. No file or network access, no unbounded loops, no dynamic
// code generation.
package eval

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kumo-org/kumo/internal/logger"
	"github.com/kumo-org/kumo/internal/logger/tag"
)

// maxExpressionLength guards against degenerate configs.
const maxExpressionLength = 2048

var (
	ErrExpressionEmpty   = errors.New("expression is empty")
	ErrExpressionTooLong = fmt.Errorf("expression exceeds %d characters", maxExpressionLength)
)

// Program is one compiled expression. A nil Program evaluates to false.
type Program struct {
	source string
	prog   *vm.Program
}

// Compile parses and compiles the expression. Undefined variables are
// allowed and resolve to nil at evaluation time.
func Compile(source string) (*Program, error) {
	if source == "" {
		return nil, ErrExpressionEmpty
	}
	if len(source) > maxExpressionLength {
		return nil, ErrExpressionTooLong
	}
	prog, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}
	return &Program{source: source, prog: prog}, nil
}

// Source returns the original expression text.
func (p *Program) Source() string {
	if p == nil {
		return ""
	}
	return p.source
}

// EvalBool runs the program over the environment and reduces the value to
// a truthiness verdict. Evaluation failures log one warning and yield
// false, keeping the expression total.
func (p *Program) EvalBool(ctx context.Context, env map[string]any) bool {
	if p == nil || p.prog == nil {
		return false
	}
	if env == nil {
		env = map[string]any{}
	}
	out, err := expr.Run(p.prog, env)
	if err != nil {
		logger.Warn(ctx, "Expression evaluation failed",
			tag.Expression(p.source),
			tag.Error(err),
		)
		return false
	}
	return Truthy(out)
}

// Truthy reduces any value to a boolean: nil and zero values are false,
// empty strings and collections are false, everything else is true.
func Truthy(v any) bool {
	switch tv := v.(type) {
	case nil:
		return false
	case bool:
		return tv
	case string:
		return tv != ""
	case int:
		return tv != 0
	case int32:
		return tv != 0
	case int64:
		return tv != 0
	case uint:
		return tv != 0
	case uint64:
		return tv != 0
	case float32:
		return tv != 0
	case float64:
		return tv != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
