// Package policy compiles the geotag-prefix rule into a reusable CEL predicate. geosched
// uses it to match leaves against disabledBranches entries and to reject overlapping
// ones; forceGeoTags and excludeGeoTags are matched by geosched's own segment-prefix
// checks, not by this package.
package policy

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

// Evaluator holds a compiled CEL expression comparing a candidate "tag" string against a
// configured "rule" string.
type Evaluator struct {
	Expression string
	program    cel.Program
}

// geotagPrefixExpr matches tag == rule, or tag rooted under rule (rule followed by "::").
const geotagPrefixExpr = `tag == rule || tag.startsWith(rule + "::")`

// NewPrefixEvaluator returns an Evaluator that reports whether a candidate geotag falls
// within a configured geotag's subtree, per spec.md's "::"-delimited geotag hierarchy.
func NewPrefixEvaluator() (*Evaluator, error) {
	return NewEvaluator(geotagPrefixExpr)
}

// NewEvaluator compiles expression against the "tag" and "rule" string variables.
func NewEvaluator(expression string) (*Evaluator, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression can't be empty")
	}

	env, err := cel.NewEnv(
		cel.Variable("tag", cel.StringType),
		cel.Variable("rule", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling CEL expression: %w", issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating CEL program: %w", err)
	}
	return &Evaluator{Expression: expression, program: prg}, nil
}

// Matches reports whether tag satisfies the compiled rule against the given rule value.
func (e *Evaluator) Matches(tag, rule string) (bool, error) {
	out, _, err := e.program.Eval(map[string]any{"tag": tag, "rule": rule})
	if err != nil {
		return false, fmt.Errorf("evaluating CEL expression: %w", err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("converting CEL result to bool: %w", err)
	}
	b, ok := nv.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression %q did not evaluate to bool", e.Expression)
	}
	return b, nil
}

// Overlaps reports whether two configured geotag rules overlap: either is a prefix (in the
// "::" sense) of the other, or they are equal. Used to reject a new disabledBranches entry
// whose geotag overlaps an already-disabled one (spec.md §4.2 "Disabled branches").
func (e *Evaluator) Overlaps(a, b string) (bool, error) {
	aUnderB, err := e.Matches(a, b)
	if err != nil {
		return false, err
	}
	if aUnderB {
		return true, nil
	}
	return e.Matches(b, a)
}
