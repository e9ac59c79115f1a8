package resolver

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/flumeworks/flume/common/models"
	"github.com/tidwall/gjson"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Scope is the layered binding environment a template resolves
// against. The first path segment selects the layer: "input",
// "global", "system", or a node identifier (that node's output).
type Scope struct {
	Input   map[string]any
	Globals map[string]any
	System  map[string]any
	Results *models.ResultMap
}

// ScopeFor builds the scope for an execution.
func ScopeFor(exec *models.Execution) *Scope {
	return &Scope{
		Input:   exec.Input,
		Globals: exec.Globals,
		System: map[string]any{
			"executionId": exec.ID,
			"workflowId":  exec.WorkflowID,
			"tenantId":    exec.TenantID,
			"startedAt":   exec.StartedAt.UnixMilli(),
		},
		Results: exec.Results,
	}
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Resolver substitutes {{path}} tokens in templates and config trees.
// The zero-value policy is lenient: unresolved paths become the empty
// string and Resolve never fails. Strict mode instead fails with an
// unresolved-variable error on the first missing path.
type Resolver struct {
	strict bool
	logger Logger
}

// New creates a lenient resolver.
func New(logger Logger) *Resolver {
	return &Resolver{logger: logger}
}

// NewStrict creates a resolver that fails on unresolved paths.
func NewStrict(logger Logger) *Resolver {
	return &Resolver{strict: true, logger: logger}
}

// Resolve substitutes every token in the template and returns the
// resulting string.
func (r *Resolver) Resolve(template string, scope *Scope) (string, error) {
	v, err := r.ResolveValue(template, scope)
	if err != nil {
		return "", err
	}
	return Stringify(v), nil
}

// ResolveValue substitutes tokens in a value. Strings consisting of
// exactly one token preserve the resolved value's type, so numbers,
// booleans, and structures pass through config trees intact. Maps and
// slices are descended recursively; other values pass through.
func (r *Resolver) ResolveValue(value any, scope *Scope) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, scope)
	case map[string]any:
		return r.ResolveMap(v, scope)
	case []any:
		return r.resolveSlice(v, scope)
	default:
		return value, nil
	}
}

// ResolveMap resolves every string leaf of a config map, descending
// into nested maps and slices. The input map is not mutated.
func (r *Resolver) ResolveMap(m map[string]any, scope *Scope) (map[string]any, error) {
	resolved := make(map[string]any, len(m))
	for key, value := range m {
		rv, err := r.ResolveValue(value, scope)
		if err != nil {
			return nil, err
		}
		resolved[key] = rv
	}
	return resolved, nil
}

func (r *Resolver) resolveSlice(arr []any, scope *Scope) ([]any, error) {
	resolved := make([]any, len(arr))
	for i, value := range arr {
		rv, err := r.ResolveValue(value, scope)
		if err != nil {
			return nil, err
		}
		resolved[i] = rv
	}
	return resolved, nil
}

func (r *Resolver) resolveString(s string, scope *Scope) (any, error) {
	matches := tokenPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A template that is exactly one token preserves the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		v, ok := LookupPath(scope, path)
		if !ok {
			if r.strict {
				return nil, models.Errf(models.ErrUnresolvedVariable, "unresolved variable: %s", path)
			}
			return "", nil
		}
		return v, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		path := s[m[2]:m[3]]
		v, ok := LookupPath(scope, path)
		if !ok {
			if r.strict {
				return nil, models.Errf(models.ErrUnresolvedVariable, "unresolved variable: %s", path)
			}
			// Lenient: substitute the empty string.
		} else {
			b.WriteString(Stringify(v))
		}
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// LookupPath navigates a dotted path against the scope. The first
// segment selects the layer; remaining segments index maps by key and
// slices by non-negative integer. Unknown layers and missing segments
// report ok=false. Lookup never executes code.
func LookupPath(scope *Scope, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || scope == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	head, rest := segments[0], segments[1:]

	var root any
	switch head {
	case "input":
		if scope.Input == nil {
			return nil, false
		}
		root = scope.Input
	case "global":
		if scope.Globals == nil {
			return nil, false
		}
		root = scope.Globals
	case "system":
		if scope.System == nil {
			return nil, false
		}
		root = scope.System
	default:
		// A completed node's result, exposed as a small view so paths
		// read naturally: A.output.message, A.status, A.durationMs.
		if scope.Results == nil {
			return nil, false
		}
		res, ok := scope.Results.Get(head)
		if !ok {
			return nil, false
		}
		root = resultView(res)
	}

	if len(rest) == 0 {
		return root, true
	}
	return navigate(root, rest)
}

// resultView shapes a node result for path navigation.
func resultView(res *models.NodeResult) map[string]any {
	output := res.Output
	if output == nil {
		output = map[string]any{}
	}
	view := map[string]any{
		"output":     output,
		"status":     string(res.Status),
		"durationMs": res.DurationMS,
		"retryCount": res.RetryCount,
	}
	if res.ErrorMessage != "" {
		view["error"] = res.ErrorMessage
	}
	return view
}

// navigate walks the remaining segments. Structured values are
// traversed through their JSON form so map keys and array indices
// share one code path.
func navigate(root any, segments []string) (any, bool) {
	switch root.(type) {
	case map[string]any, []any:
		raw, err := json.Marshal(root)
		if err != nil {
			return nil, false
		}
		res := gjson.GetBytes(raw, strings.Join(segments, "."))
		if !res.Exists() {
			return nil, false
		}
		return res.Value(), true
	default:
		// Scalar with segments left over: only numeric indexing into
		// nothing; the path is unresolvable.
		return nil, false
	}
}

// Stringify renders a resolved value for substitution into a string
// template: strings pass through, everything else is JSON-encoded.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
