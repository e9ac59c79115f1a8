package expr

import (
	"regexp"
	"strings"
	"sync"

	"github.com/flumeworks/flume/common/resolver"
)

// Program is a compiled expression, safe for concurrent evaluation.
type Program struct {
	src  string
	root exprNode
}

// Eval evaluates the program against a variable scope.
func (p *Program) Eval(scope *resolver.Scope) (any, error) {
	return p.root.eval(scope)
}

// Source returns the normalized expression text.
func (p *Program) Source() string {
	return p.src
}

// Evaluator compiles and evaluates restricted expressions with a
// compiled-program cache. Edge conditions repeat across executions of
// the same workflow, so caching pays for itself quickly.
type Evaluator struct {
	cache map[string]*Program
	mu    sync.RWMutex
}

// NewEvaluator creates a new expression evaluator with caching
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*Program),
	}
}

// Templates may wrap path references in resolver token syntax;
// conditions accept both `a.b == 1` and `{{a.b}} == 1`.
var wrappedPathPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

func normalize(expression string) string {
	return strings.TrimSpace(wrappedPathPattern.ReplaceAllString(expression, "$1"))
}

// Compile returns the compiled program for an expression, reusing the
// cache when possible. The security scan runs before any parsing.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	normalized := normalize(expression)

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()
	if exists {
		return prg, nil
	}

	if err := securityScan(normalized); err != nil {
		return nil, err
	}
	tokens, err := lex(normalized)
	if err != nil {
		return nil, err
	}
	root, err := parse(tokens)
	if err != nil {
		return nil, err
	}

	prg = &Program{src: normalized, root: root}
	e.mu.Lock()
	e.cache[normalized] = prg
	e.mu.Unlock()
	return prg, nil
}

// Eval compiles (or reuses) and evaluates an expression.
func (e *Evaluator) Eval(expression string, scope *resolver.Scope) (any, error) {
	prg, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}
	return prg.Eval(scope)
}

// EvalBool evaluates an expression and coerces the result to boolean
// by truthiness. An empty or blank expression is an unconditional
// edge and evaluates to true.
func (e *Evaluator) EvalBool(expression string, scope *resolver.Scope) (bool, error) {
	if strings.TrimSpace(expression) == "" {
		return true, nil
	}
	v, err := e.Eval(expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// ClearCache clears the compiled expression cache
func (e *Evaluator) ClearCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*Program)
}

// CacheSize returns the number of cached expressions
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
