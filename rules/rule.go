package rules

import (
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/songzhibin97/billflow/types"
)

var ErrInvalidExpression = errors.New("invalid expression")

// Evaluator defines the interface for evaluating rule expressions.
type Evaluator interface {
	Evaluate(expression string, env map[string]interface{}) (bool, error)
}

// ExprEvaluator is an implementation of Evaluator using expr-lang/expr.
// Compiled programs are cached by expression text.
type ExprEvaluator struct {
	cache     map[string]*vm.Program
	mu        sync.RWMutex
	functions map[string]func(env map[string]interface{}) interface{}
}

// NewExprEvaluator creates a new ExprEvaluator with an initialized cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{
		cache:     make(map[string]*vm.Program),
		functions: make(map[string]func(map[string]interface{}) interface{}),
	}
}

// AddOptionFunc registers a derived variable computed from the environment
// before every evaluation.
func (e *ExprEvaluator) AddOptionFunc(name string, f func(map[string]interface{}) interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.functions[name] = f
}

// Evaluate evaluates the given expression against the provided environment.
// The expression must evaluate to a boolean. The caller's map is not modified.
func (e *ExprEvaluator) Evaluate(expression string, env map[string]interface{}) (bool, error) {
	scope := e.scope(env)

	program, err := e.program(expression, scope)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, err
	}

	if boolResult, ok := result.(bool); ok {
		return boolResult, nil
	}
	return false, fmt.Errorf("expression '%s' did not evaluate to a boolean, got %T", expression, result)
}

func (e *ExprEvaluator) scope(env map[string]interface{}) map[string]interface{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	scope := make(map[string]interface{}, len(env)+len(e.functions))
	for k, v := range env {
		scope[k] = v
	}
	for k, f := range e.functions {
		scope[k] = f(env)
	}
	return scope
}

func (e *ExprEvaluator) program(expression string, scope map[string]interface{}) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if program, ok = e.cache[expression]; ok {
		return program, nil
	}
	program, err := expr.Compile(expression, expr.Env(scope), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	e.cache[expression] = program
	return program, nil
}

// BillEnv exposes a bill to expressions. The variables are id, type, status,
// stage, stageLabel, amount, reference, counterparty, approvals, remarks,
// createdAt, final and pending.
func BillEnv(bill types.Bill, stages types.Stages) map[string]interface{} {
	return map[string]interface{}{
		"id":           bill.ID,
		"type":         string(bill.Type),
		"status":       string(bill.Status),
		"stage":        bill.CurrentStage,
		"stageLabel":   stages.LabelFor(bill),
		"amount":       bill.DisplayAmount(),
		"reference":    bill.DisplayReference(),
		"counterparty": bill.Counterparty(),
		"approvals":    len(bill.Approvals),
		"remarks":      bill.Remarks,
		"createdAt":    bill.CreatedAt,
		"final":        bill.Status.IsFinal(),
		"pending":      bill.Status == types.StatusPending,
	}
}
