package resolver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flumeworks/flume/common/models"
)

type testLogger struct{ t *testing.T }

func (l *testLogger) Info(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[INFO] %s %v", msg, keysAndValues)
}
func (l *testLogger) Error(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[ERROR] %s %v", msg, keysAndValues)
}
func (l *testLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[WARN] %s %v", msg, keysAndValues)
}
func (l *testLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.t.Logf("[DEBUG] %s %v", msg, keysAndValues)
}

func testScope() *Scope {
	results := models.NewResultMap()
	results.Set(&models.NodeResult{
		NodeID:     "fetch",
		Status:     models.NodeSuccess,
		Output:     map[string]any{"message": "hi", "items": []any{"a", "b", "c"}, "score": 7.5},
		DurationMS: 42,
		RetryCount: 1,
	})
	results.Set(&models.NodeResult{
		NodeID:       "broken",
		Status:       models.NodeFailed,
		ErrorMessage: "remote said no",
	})

	return &Scope{
		Input: map[string]any{
			"name":  "Ada",
			"count": 5,
			"ok":    true,
			"user":  map[string]any{"address": map[string]any{"city": "Berlin"}},
		},
		Globals: map[string]any{"region": "eu"},
		System:  map[string]any{"executionId": "exec-1"},
		Results: results,
	}
}

func TestResolveSingleTokenPreservesType(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	v, err := r.ResolveValue("{{input.ok}}", scope)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	// Navigation runs through the JSON form, so numbers come back as
	// float64 regardless of the Go type they were stored as.
	v, err = r.ResolveValue("{{input.count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(5), v)

	v, err = r.ResolveValue("{{fetch.output.score}}", scope)
	require.NoError(t, err)
	assert.Equal(t, 7.5, v)

	v, err = r.ResolveValue("{{input.user}}", scope)
	require.NoError(t, err)
	asMap, ok := v.(map[string]any)
	require.True(t, ok, "single-token map should stay a map, got %T", v)
	assert.Contains(t, asMap, "address")
}

func TestResolveMultiTokenRendersStrings(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	out, err := r.Resolve("Hello {{input.name}}, count={{input.count}}, ok={{input.ok}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, count=5, ok=true", out)

	out, err = r.Resolve("node {{fetch.status}} in {{fetch.durationMs}}ms", scope)
	require.NoError(t, err)
	assert.Equal(t, "node success in 42ms", out)
}

func TestResolveScopeLayers(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	tests := []struct {
		path string
		want string
	}{
		{"{{input.name}}", "Ada"},
		{"{{global.region}}", "eu"},
		{"{{system.executionId}}", "exec-1"},
		{"{{fetch.output.message}}", "hi"},
		{"{{fetch.status}}", "success"},
		{"{{fetch.retryCount}}", "1"},
		{"{{broken.error}}", "remote said no"},
		{"{{broken.status}}", "failed"},
	}
	for _, tt := range tests {
		out, err := r.Resolve(tt.path, scope)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.want, out, tt.path)
	}
}

func TestResolveNestedAndIndexedPaths(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	out, err := r.Resolve("{{input.user.address.city}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Berlin", out)

	out, err = r.Resolve("{{fetch.output.items.1}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}

func TestResolveLenientMissingBecomesEmpty(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	v, err := r.ResolveValue("{{input.missing}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", v)

	out, err := r.Resolve("a-{{input.missing}}-b", scope)
	require.NoError(t, err)
	assert.Equal(t, "a--b", out)

	// Unknown layer means an unfinished node: same lenient treatment.
	out, err = r.Resolve("{{pending.output.x}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", out)

	// A success result carries no error key.
	out, err = r.Resolve("{{fetch.error}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "", out)
}

func TestResolveStrictFailsOnMissing(t *testing.T) {
	r := NewStrict(&testLogger{t})
	scope := testScope()

	_, err := r.ResolveValue("{{input.missing}}", scope)
	require.Error(t, err)
	assert.Equal(t, models.ErrUnresolvedVariable, models.KindOf(err))

	_, err = r.Resolve("a-{{input.missing}}-b", scope)
	require.Error(t, err)
	assert.Equal(t, models.ErrUnresolvedVariable, models.KindOf(err))

	// Present paths still resolve.
	out, err := r.Resolve("{{input.name}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "Ada", out)
}

func TestResolveMapDescendsWithoutMutating(t *testing.T) {
	r := New(&testLogger{t})
	scope := testScope()

	config := map[string]any{
		"url":    "https://api.example.com/users/{{input.name}}",
		"method": "POST",
		"body": map[string]any{
			"region": "{{global.region}}",
			"tags":   []any{"{{fetch.output.message}}", "static"},
		},
		"retries": 3,
	}

	resolved, err := r.ResolveMap(config, scope)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.com/users/Ada", resolved["url"])
	assert.Equal(t, "POST", resolved["method"])
	assert.Equal(t, 3, resolved["retries"])

	body := resolved["body"].(map[string]any)
	assert.Equal(t, "eu", body["region"])
	assert.Equal(t, []any{"hi", "static"}, body["tags"])

	// The original config tree is untouched.
	assert.Equal(t, "https://api.example.com/users/{{input.name}}", config["url"])
	assert.Equal(t, "{{global.region}}", config["body"].(map[string]any)["region"])
}

func TestScopeForExposesSystemFields(t *testing.T) {
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := &models.Execution{
		ID:         "exec-9",
		WorkflowID: "wf-9",
		TenantID:   "acme",
		StartedAt:  started,
		Results:    models.NewResultMap(),
	}

	scope := ScopeFor(exec)
	r := New(&testLogger{t})

	out, err := r.Resolve("{{system.workflowId}}/{{system.tenantId}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "wf-9/acme", out)

	v, ok := LookupPath(scope, "system.startedAt")
	require.True(t, ok)
	assert.Equal(t, float64(started.UnixMilli()), v)
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "2.5", Stringify(2.5))
	assert.Equal(t, "5", Stringify(float64(5)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `{"a":1}`, Stringify(map[string]any{"a": 1}))
	assert.Equal(t, `["x","y"]`, Stringify([]any{"x", "y"}))
}
