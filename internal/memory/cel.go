package memory

import (
	"time"

	"github.com/google/cel-go/cel"

	"github.com/nidhogg/fairloop/internal/fault"
)

var celEnv = mustEnv()

func mustEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("key", cel.StringType),
		cel.Variable("scope", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("age_seconds", cel.DoubleType),
	)
	if err != nil {
		panic(err)
	}
	return env
}

// CompilePredicate compiles a CEL boolean expression over a record, e.g.
//
//	key.startsWith("exemplar:") && data.label == "violating"
//
// Available variables are key, scope, text, data and age_seconds. A record
// for which evaluation errors or yields a non-bool does not match.
func CompilePredicate(expr string) (Predicate, error) {
	ast, iss := celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fault.Invalid("compile predicate %q: %v", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fault.Invalid("predicate %q must be boolean, got %s", expr, ast.OutputType())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fault.Invalid("program predicate %q: %v", expr, err)
	}

	return func(r Record) bool {
		data := r.Value.Data
		if data == nil {
			data = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{
			"key":         r.Key,
			"scope":       string(r.Scope),
			"text":        r.Value.Text,
			"data":        data,
			"age_seconds": time.Since(r.WrittenAt).Seconds(),
		})
		if err != nil {
			return false
		}
		b, ok := out.Value().(bool)
		return ok && b
	}, nil
}
