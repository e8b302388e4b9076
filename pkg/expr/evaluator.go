// Package expr evaluates the declarative boolean expressions used by
// transition guards and specific triggering rules.
//
// Expressions see exactly three variables (event, context and
// publicMember) plus the arithmetic, boolean and comparison operators of
// the expr language. Nothing else from the host process is reachable.
package expr

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the variable environment an expression evaluates against.
type Env struct {
	Event        map[string]interface{}
	Context      map[string]interface{}
	PublicMember map[string]interface{}
}

// Evaluator compiles and caches guard expressions. Safe for concurrent use.
type Evaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{programs: make(map[string]*vm.Program)}
}

// EvalBool evaluates source as a boolean expression against env.
// Compilation results are cached by source text.
func (e *Evaluator) EvalBool(source string, env Env) (bool, error) {
	if source == "" {
		return false, fmt.Errorf("empty expression")
	}

	program, err := e.compile(source)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, envMap(env))
	if err != nil {
		return false, fmt.Errorf("expression %q: %w", source, err)
	}

	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q evaluated to %T, want bool", source, out)
	}
	return b, nil
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(source,
		expr.Env(envMap(Env{})),
		expr.AsBool(),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", source, err)
	}

	e.mu.Lock()
	e.programs[source] = program
	e.mu.Unlock()
	return program, nil
}

func envMap(env Env) map[string]interface{} {
	ev := env.Event
	if ev == nil {
		ev = map[string]interface{}{}
	}
	ctx := env.Context
	if ctx == nil {
		ctx = map[string]interface{}{}
	}
	pm := env.PublicMember
	if pm == nil {
		pm = map[string]interface{}{}
	}
	return map[string]interface{}{
		"event":        ev,
		"context":      ctx,
		"publicMember": pm,
	}
}
