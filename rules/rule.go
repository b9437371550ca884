package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator evaluates a boolean constraint expression against an environment.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr with a compiled program cache.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]interface{}
}

// NewExprEvaluator creates an evaluator preloaded with the helper functions
// available to field constraints.
func NewExprEvaluator() *ExprEvaluator {
	e := &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]interface{}),
	}
	e.AddFunction("isNumber", isNumber)
	e.AddFunction("isEmail", isEmail)
	e.AddFunction("toNumber", toNumber)
	return e
}

// AddFunction exposes fn under name to every expression. Programs compiled
// before the call are dropped so they pick the function up.
func (e *ExprEvaluator) AddFunction(name string, fn interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = fn
	e.cache = make(map[string]*vm.Program)
}

// Evaluate compiles (once) and runs expression with env plus the registered functions.
// The expression must produce a boolean.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	scope := make(map[string]interface{}, len(env)+len(e.functions))
	for k, v := range e.functions {
		scope[k] = v
	}
	e.mu.RUnlock()
	for k, v := range env {
		scope[k] = v
	}

	if !ok {
		e.mu.Lock()
		if program, ok = e.cache[expression]; !ok {
			var err error
			program, err = expr.Compile(expression, expr.Env(scope))
			if err != nil {
				e.mu.Unlock()
				return false, err
			}
			e.cache[expression] = program
		}
		e.mu.Unlock()
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}
	if b, ok := result.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return err == nil
}

func toNumber(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func isEmail(s string) bool {
	return emailPattern.MatchString(strings.TrimSpace(s))
}
