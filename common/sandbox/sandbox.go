package sandbox

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/flumeworks/flume/common/models"
	"github.com/robertkrimen/otto"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// ScriptRequest describes one sandbox invocation.
type ScriptRequest struct {
	// Source is the user script. A top-level return yields the
	// invocation's return value.
	Source string

	// Bindings become the __input object. The engine pre-populates
	// __global, __system, and nodes alongside caller bindings.
	Bindings map[string]any

	// Timeout bounds wall-clock execution. Zero means the pool default.
	Timeout time.Duration

	// MaxStatements caps interpreter statements. Zero disables the cap.
	MaxStatements int64
}

// ScriptResult is the outcome of a sandbox invocation.
type ScriptResult struct {
	ReturnValue any      `json:"returnValue"`
	Output      []string `json:"output"`
	DurationMS  int64    `json:"durationMs"`
	Success     bool     `json:"success"`
}

var errHalt = fmt.Errorf("script execution interrupted")

// Instance is one sandboxed interpreter. Instances are not safe for
// concurrent use; the pool hands out exclusive leases.
type Instance struct {
	vm     *otto.Otto
	pool   *Pool
	logger Logger
}

// run executes one script on this instance. The interpreter carries
// no host capabilities beyond the functions installed here: log,
// error, sleep, now, b64encode, b64decode, and the JSON built-ins.
func (i *Instance) run(ctx context.Context, req *ScriptRequest) (result *ScriptResult, err error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.pool.defaultTimeout
	}
	deadline := time.Now().Add(timeout)
	started := time.Now()

	var captured []string
	capture := func(level string) func(call otto.FunctionCall) otto.Value {
		return func(call otto.FunctionCall) otto.Value {
			parts := make([]string, 0, len(call.ArgumentList))
			for _, arg := range call.ArgumentList {
				parts = append(parts, arg.String())
			}
			line := strings.Join(parts, " ")
			captured = append(captured, line)
			if level == "error" {
				i.logger.Warn("script error output", "line", line)
			} else {
				i.logger.Debug("script output", "line", line)
			}
			return otto.UndefinedValue()
		}
	}

	vm := i.vm
	vm.Set("log", capture("log"))
	vm.Set("error", capture("error"))
	vm.Set("now", func(call otto.FunctionCall) otto.Value {
		v, _ := vm.ToValue(time.Now().UnixMilli())
		return v
	})
	vm.Set("sleep", func(call otto.FunctionCall) otto.Value {
		ms, _ := call.Argument(0).ToInteger()
		if ms < 0 {
			ms = 0
		}
		d := time.Duration(ms) * time.Millisecond
		// Never sleep past the invocation budget.
		if remaining := time.Until(deadline); d > remaining {
			d = remaining
		}
		if d > 0 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
		return otto.UndefinedValue()
	})
	vm.Set("b64encode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		v, _ := vm.ToValue(base64.StdEncoding.EncodeToString([]byte(s)))
		return v
	})
	vm.Set("b64decode", func(call otto.FunctionCall) otto.Value {
		s, _ := call.Argument(0).ToString()
		decoded, derr := base64.StdEncoding.DecodeString(s)
		if derr != nil {
			return otto.UndefinedValue()
		}
		v, _ := vm.ToValue(string(decoded))
		return v
	})
	bindings := req.Bindings
	if bindings == nil {
		bindings = map[string]any{}
	}
	if err := vm.Set("__input", bindings); err != nil {
		return nil, models.WrapErr(models.ErrInternal, err, "failed to bind script input")
	}

	// The interrupt channel is polled at statement boundaries. The
	// watchdog halts on deadline; with a statement cap, a pump keeps
	// the channel full so every poll ticks the counter.
	vm.Interrupt = make(chan func(), 1)
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)

	var halted atomic.Bool
	haltFn := func() {
		halted.Store(true)
		panic(errHalt)
	}

	if req.MaxStatements > 0 {
		var statements int64
		countFn := func() {
			statements++
			if statements > req.MaxStatements {
				haltFn()
			}
			if time.Now().After(deadline) || ctx.Err() != nil {
				haltFn()
			}
		}
		go func() {
			for {
				select {
				case vm.Interrupt <- countFn:
				case <-watchdogDone:
					return
				}
			}
		}()
	} else {
		go func() {
			timer := time.NewTimer(time.Until(deadline))
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			case <-watchdogDone:
				return
			}
			select {
			case vm.Interrupt <- haltFn:
			case <-watchdogDone:
			}
		}()
	}

	defer func() {
		if caught := recover(); caught != nil {
			if caught == errHalt || halted.Load() {
				result = nil
				err = models.Errf(models.ErrResourceLimit, "script exceeded its execution budget after %s", time.Since(started).Round(time.Millisecond))
				return
			}
			panic(caught)
		}
	}()

	wrapped := fmt.Sprintf("var __result = (function(__input) {\nvar __global = __input.__global; var __system = __input.__system; var nodes = __input.nodes;\n%s\n})(__input);", req.Source)

	if _, runErr := vm.Run(wrapped); runErr != nil {
		return nil, classifyScriptError(runErr)
	}

	value, gerr := vm.Get("__result")
	if gerr != nil {
		return nil, models.WrapErr(models.ErrInternal, gerr, "failed to read script result")
	}
	var exported any
	if value.IsDefined() {
		exported, _ = value.Export()
	}

	return &ScriptResult{
		ReturnValue: exported,
		Output:      captured,
		DurationMS:  time.Since(started).Milliseconds(),
		Success:     true,
	}, nil
}

// deniedIdentifiers name host capabilities the sandbox does not
// provide. A script touching one gets a security violation rather
// than a bare reference error.
var deniedIdentifiers = []string{
	"require",
	"process",
	"XMLHttpRequest",
	"fetch",
	"Filesystem",
	"WebSocket",
	"globalThis",
}

func classifyScriptError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "ReferenceError") {
		for _, denied := range deniedIdentifiers {
			if strings.Contains(msg, "'"+denied+"'") {
				return models.Errf(models.ErrSecurityViolation, "script attempted to access denied capability %q", denied)
			}
		}
	}
	// Interpreter parse failures surface either as thrown SyntaxError
	// values or as parser diagnostics ("Unexpected token ...").
	if strings.Contains(msg, "SyntaxError") || strings.Contains(msg, "Unexpected token") || strings.Contains(msg, "Unexpected end of input") {
		return models.WrapErr(models.ErrExpressionParse, err, "script syntax error")
	}
	return models.WrapErr(models.ErrExpressionRuntime, err, "script runtime error")
}
