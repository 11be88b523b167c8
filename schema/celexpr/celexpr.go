// Package celexpr compiles and evaluates the CEL expressions used by stored
// schemas for x-lix-default and x-lix-override-lixcols. Per spec.md §1 the CEL
// evaluator itself is an external collaborator, treated as a pure function
// (expression, bindings) → value; this package is the thin, pure-function
// wiring around google/cel-go that the rest of the engine calls through.
package celexpr

import (
	"dario.cat/mergo"
	"github.com/google/cel-go/cel"
	"gitlab.com/tozd/go/errors"
)

// bindingsVar is the single activation variable every compiled expression sees:
// a dynamically-typed map of whatever bindings the caller supplies (row
// properties, lixcol_* values, etc.).
const bindingsVar = "self"

var sharedEnv = mustNewEnv()

func mustNewEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable(bindingsVar, cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		panic(err)
	}
	return env
}

// Expr is a compiled CEL expression ready for repeated evaluation.
type Expr struct {
	src string
	ast *cel.Ast
	prg cel.Program
}

// Source returns the original expression text.
func (e *Expr) Source() string {
	return e.src
}

// Compile parses and type-checks a CEL expression. It accepts the scalar
// literals true/false/null/number as well as full expressions referencing
// `self.<property>` (schema.md §4.8's "must parse" requirement).
func Compile(expr string) (*Expr, errors.E) {
	ast, iss := sharedEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		errE := errors.WithStack(ErrCompile)
		errors.Details(errE)["expression"] = expr
		errors.Details(errE)["issues"] = iss.Err().Error()
		return nil, errE
	}
	prg, err := sharedEnv.Program(ast)
	if err != nil {
		errE := errors.WrapWith(err, ErrCompile)
		errors.Details(errE)["expression"] = expr
		return nil, errE
	}
	return &Expr{src: expr, ast: ast, prg: prg}, nil
}

// MustCompile is Compile but panics on error; used for expressions baked into
// the engine's own built-in schemas, where a compile failure is a programming bug.
func MustCompile(expr string) *Expr {
	e, errE := Compile(expr)
	if errE != nil {
		panic(errE)
	}
	return e
}

// Eval evaluates the expression against the given bindings, which become
// accessible in the expression as `self.<key>`.
func (e *Expr) Eval(bindings map[string]any) (any, errors.E) {
	out, _, err := e.prg.Eval(map[string]any{bindingsVar: bindings})
	if err != nil {
		errE := errors.WrapWith(err, ErrEval)
		errors.Details(errE)["expression"] = e.src
		return nil, errE
	}
	return out.Value(), nil
}

// MergeBindings layers override bindings on top of a base set (row defaults ←
// schema defaults ← caller overrides), without mutating either input.
func MergeBindings(base, overrides map[string]any) (map[string]any, errors.E) {
	merged := make(map[string]any, len(base))
	for k, v := range base {
		merged[k] = v
	}
	if err := mergo.Merge(&merged, overrides, mergo.WithOverride); err != nil {
		return nil, errors.WithStack(err)
	}
	return merged, nil
}

var (
	// ErrCompile is returned when a CEL expression fails to parse or type-check.
	ErrCompile = errors.Base("cel: failed to compile expression")
	// ErrEval is returned when a compiled CEL expression fails at evaluation time.
	ErrEval = errors.Base("cel: failed to evaluate expression")
)
