package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Schema declares the typed variables an expression may reference.
type Schema map[string]*cel.Type

type Engine struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func New(schema Schema) (*Engine, error) {
	opts := make([]cel.EnvOption, 0, len(schema)+1)
	for name, typ := range schema {
		opts = append(opts, cel.Variable(name, typ))
	}
	opts = append(opts, cel.CrossTypeNumericComparisons(true))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("celengine: build env: %w", err)
	}
	return &Engine{env: env, programs: map[string]cel.Program{}}, nil
}

// Validate compiles expr and checks that it yields a bool.
func (e *Engine) Validate(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celengine: compile %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("celengine: %q must return bool, got %s", expr, ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celengine: program %q: %w", expr, err)
	}

	e.mu.Lock()
	e.programs[expr] = prg
	e.mu.Unlock()
	return prg, nil
}

func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		zap.L().Debug("cel evaluation failed", zap.String("expr", expr), zap.Error(err))
		return false, fmt.Errorf("celengine: eval %q: %w", expr, err)
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celengine: expected bool from %q, got %T", expr, out.Value())
	}
	return b, nil
}
