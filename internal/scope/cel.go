package scope

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/xela07ax/able/internal/authority"
)

// CEL трактует выданный scope как CEL-выражение над переменной requested:
//
//	requested.startsWith("read:") && requested != "read:secrets"
//
// Any покрывает всё, как и в остальных матчерах. Невалидное выражение
// отклоняется при выпуске (ValidateScope), а в Covers ничего не покрывает,
// кроме буквально равного scope, поэтому матчер остается тотальным.
type CEL struct {
	env *cel.Env

	mu       sync.RWMutex
	prgCache map[authority.Scope]cel.Program
	broken   map[authority.Scope]struct{}
}

// maxCachedPrograms ограничивает кэш скомпилированных выражений.
const maxCachedPrograms = 4096

func NewCEL() (*CEL, error) {
	env, err := cel.NewEnv(
		cel.Variable("requested", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("scope: failed to create CEL environment: %w", err)
	}
	return &CEL{
		env:      env,
		prgCache: make(map[authority.Scope]cel.Program),
		broken:   make(map[authority.Scope]struct{}),
	}, nil
}

func (c *CEL) Covers(granted, requested authority.Scope) bool {
	if granted == Any || granted == requested {
		return true
	}
	prg, ok := c.program(granted)
	if !ok {
		return false
	}
	out, _, err := prg.Eval(map[string]any{"requested": string(requested)})
	if err != nil {
		return false
	}
	allowed, ok := out.Value().(bool)
	return ok && allowed
}

// ValidateScope вызывается Manager.Issue: AU с невалидным выражением не выпускается.
func (c *CEL) ValidateScope(expr authority.Scope) error {
	if expr == Any {
		return nil
	}
	return c.compile(expr)
}

func (c *CEL) compile(expr authority.Scope) error {
	ast, iss := c.env.Compile(string(expr))
	if iss != nil && iss.Err() != nil {
		return iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("scope: expression must be boolean, got %v", ast.OutputType())
	}
	return nil
}

func (c *CEL) program(expr authority.Scope) (cel.Program, bool) {
	c.mu.RLock()
	prg, ok := c.prgCache[expr]
	_, bad := c.broken[expr]
	c.mu.RUnlock()
	if ok {
		return prg, true
	}
	if bad {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.prgCache[expr]; ok {
		return prg, true
	}
	if len(c.prgCache)+len(c.broken) >= maxCachedPrograms {
		c.prgCache = make(map[authority.Scope]cel.Program)
		c.broken = make(map[authority.Scope]struct{})
	}
	if err := c.compile(expr); err != nil {
		c.broken[expr] = struct{}{}
		return nil, false
	}
	ast, _ := c.env.Compile(string(expr))
	prg, err := c.env.Program(ast)
	if err != nil {
		c.broken[expr] = struct{}{}
		return nil, false
	}
	c.prgCache[expr] = prg
	return prg, true
}
