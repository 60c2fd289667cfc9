package formula

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// ErrTimeout is returned when a formula's evaluation exceeds its wall-time
// cap (§4.3 Safety, §5 Cancellation & timeouts).
var ErrTimeout = errors.New("formula evaluation exceeded wall-time cap")

// DefaultTimeout is the formula sandbox's hard wall-time cap (§4.3).
const DefaultTimeout = 100 * time.Millisecond

// Sandbox parses, validates, and evaluates restricted formula expressions
// (C3). It never returns a Go panic for a malformed or hostile expression;
// compile errors are returned from Compile, runtime errors from Eval.
type Sandbox struct {
	env     *cel.Env
	timeout time.Duration

	mu    sync.RWMutex
	cache map[string]*Compiled
}

// Compiled is a parsed, validated, and CEL-compiled formula, safe to
// evaluate repeatedly against different variable bindings.
type Compiled struct {
	source    string
	variables map[string]bool
	program   cel.Program
}

// NewSandbox constructs a Sandbox with the closed function whitelist
// registered and the given wall-time cap. A zero timeout uses
// DefaultTimeout.
func NewSandbox(timeout time.Duration) (*Sandbox, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := append([]cel.EnvOption{
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
	}, celFunctions()...)

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create formula sandbox environment: %w", err)
	}

	return &Sandbox{
		env:     env,
		timeout: timeout,
		cache:   make(map[string]*Compiled),
	}, nil
}

// Compile parses and validates expr against the declared variable names,
// translates it into a CEL program, and caches the result keyed by source
// text. Compile-time rejection (§4.3 Safety) happens entirely here; nothing
// past this point can observe an invalid node kind or undeclared
// identifier.
func (s *Sandbox) Compile(expr string, variableNames []string) (*Compiled, error) {
	s.mu.RLock()
	if c, ok := s.cache[expr]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	ast, err := parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	variables := make(map[string]bool, len(variableNames))
	for _, v := range variableNames {
		variables[v] = true
	}
	if err := validate(ast, variables); err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	celSrc, err := generate(ast)
	if err != nil {
		return nil, fmt.Errorf("codegen error: %w", err)
	}

	parsed, issues := s.env.Compile(celSrc)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("internal compile error: %w", issues.Err())
	}
	program, err := s.env.Program(parsed)
	if err != nil {
		return nil, fmt.Errorf("internal program error: %w", err)
	}

	compiled := &Compiled{source: expr, variables: variables, program: program}

	s.mu.Lock()
	s.cache[expr] = compiled
	s.mu.Unlock()

	return compiled, nil
}

// Evaluate parses (or reuses a cached compile of) expr and evaluates it
// against variables, enforcing the wall-time cap. It never panics; all
// failure modes (parse, validation, domain, timeout) return as a non-nil
// error with value 0 (§4.3 Errors).
func (s *Sandbox) Evaluate(ctx context.Context, expr string, variables map[string]float64) (float64, error) {
	names := make([]string, 0, len(variables))
	for k := range variables {
		names = append(names, k)
	}

	compiled, err := s.Compile(expr, names)
	if err != nil {
		return 0, err
	}
	return compiled.Eval(ctx, s.timeout, variables)
}

// Eval runs a previously compiled formula against variable bindings,
// enforcing the given wall-time cap.
func (c *Compiled) Eval(ctx context.Context, timeout time.Duration, variables map[string]float64) (float64, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	activation := map[string]any{"vars": vars}

	type outcome struct {
		val float64
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, _, err := c.program.ContextEval(evalCtx, activation)
		if err != nil {
			done <- outcome{err: fmt.Errorf("evaluation error: %w", err)}
			return
		}
		d, ok := out.(types.Double)
		if !ok {
			done <- outcome{err: fmt.Errorf("formula did not produce a numeric result, got %v", out.Type())}
			return
		}
		done <- outcome{val: float64(d)}
	}()

	select {
	case o := <-done:
		return o.val, o.err
	case <-evalCtx.Done():
		return 0, ErrTimeout
	}
}
