package eval

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Router conditions are compiled once when the orchestrator is built.
// Limits mirror the expression caps: a condition that cannot compile
// becomes a never-matching condition rather than an error at run time.
const (
	maxConditionLength = 4096
	maxRegexLength     = 1000
)

var (
	ErrConditionEmpty   = errors.New("condition is empty")
	ErrConditionTooLong = fmt.Errorf("condition exceeds %d characters", maxConditionLength)
	ErrRegexTooLong     = fmt.Errorf("regex exceeds %d characters", maxRegexLength)
	ErrConditionInvalid = errors.New("condition has no recognized prefix or operator")
	ErrVarNameEmpty     = errors.New("var condition requires a variable name")
	ErrOperandEmpty     = errors.New("condition operand is empty")
)

type conditionKind int

const (
	condInvalid conditionKind = iota
	condContains
	condStartsWith
	condEquals
	condRegex
	condVar
	condExpr
)

// Condition is a compiled router rule predicate.
type Condition struct {
	raw     string
	kind    conditionKind
	operand string
	regex   *regexp.Regexp
	prog    *Program
}

// CompileCondition parses one rule condition. The recognized forms are
// "contains:S", "startsWith:S", "equals:S", "regex:P", "var:NAME", and a
// bare expression containing comparison or boolean operators. A malformed
// condition compiles to a never-matching predicate and the error explains
// why.
func CompileCondition(raw string) (*Condition, error) {
	c := &Condition{raw: raw, kind: condInvalid}
	if strings.TrimSpace(raw) == "" {
		return c, ErrConditionEmpty
	}
	if len(raw) > maxConditionLength {
		return c, ErrConditionTooLong
	}

	if prefix, operand, ok := splitPrefix(raw); ok {
		switch prefix {
		case "contains":
			if operand == "" {
				return c, ErrOperandEmpty
			}
			c.kind = condContains
			c.operand = strings.ToLower(operand)
			return c, nil
		case "startsWith":
			if operand == "" {
				return c, ErrOperandEmpty
			}
			c.kind = condStartsWith
			c.operand = operand
			return c, nil
		case "equals":
			c.kind = condEquals
			c.operand = operand
			return c, nil
		case "regex":
			if len(operand) > maxRegexLength {
				return c, ErrRegexTooLong
			}
			re, err := regexp.Compile("(?i)" + operand)
			if err != nil {
				return c, fmt.Errorf("compile regex: %w", err)
			}
			c.kind = condRegex
			c.regex = re
			return c, nil
		case "var":
			if operand == "" {
				return c, ErrVarNameEmpty
			}
			c.kind = condVar
			c.operand = operand
			return c, nil
		}
	}

	if containsOperators(raw) {
		prog, err := Compile(raw)
		if err != nil {
			return c, err
		}
		c.kind = condExpr
		c.prog = prog
		return c, nil
	}

	return c, ErrConditionInvalid
}

// splitPrefix separates "prefix:operand"; the operand may itself contain
// colons.
func splitPrefix(raw string) (prefix, operand string, ok bool) {
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return "", "", false
	}
	return raw[:idx], raw[idx+1:], true
}

// containsOperators reports whether the condition looks like a bare
// expression rather than a prefixed predicate.
func containsOperators(s string) bool {
	return strings.Contains(s, "==") ||
		strings.Contains(s, "!=") ||
		strings.Contains(s, "&&") ||
		strings.Contains(s, "||") ||
		strings.Contains(s, ">=") ||
		strings.Contains(s, "<=")
}

// Match evaluates the condition against the stringified input and the
// flattened variables. Invalid conditions never match.
func (c *Condition) Match(ctx context.Context, input string, vars map[string]any) bool {
	switch c.kind {
	case condContains:
		return strings.Contains(strings.ToLower(input), c.operand)
	case condStartsWith:
		return strings.HasPrefix(input, c.operand)
	case condEquals:
		return input == c.operand
	case condRegex:
		return c.regex.MatchString(input)
	case condVar:
		return Truthy(vars[c.operand])
	case condExpr:
		env := make(map[string]any, len(vars)+1)
		for k, v := range vars {
			env[k] = v
		}
		env["input"] = input
		return c.prog.EvalBool(ctx, env)
	default:
		return false
	}
}

// String returns the raw condition text.
func (c *Condition) String() string {
	return c.raw
}
