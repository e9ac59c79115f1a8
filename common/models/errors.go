package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. Every kind carries a stable
// machine-readable code used in persisted results and API responses.
type ErrorKind string

const (
	ErrValidation         ErrorKind = "validation"
	ErrUnresolvedVariable ErrorKind = "unresolved-variable"
	ErrExpressionParse    ErrorKind = "expression-parse"
	ErrExpressionRuntime  ErrorKind = "expression-runtime"
	ErrSecurityViolation  ErrorKind = "security-violation"
	ErrResourceLimit      ErrorKind = "resource-limit"
	ErrTimeout            ErrorKind = "timeout"
	ErrRemoteFailure      ErrorKind = "remote-failure"
	ErrInternal           ErrorKind = "internal"
)

// Retryable reports whether failures of this kind are eligible for the
// node retry policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrTimeout, ErrRemoteFailure:
		return true
	}
	return false
}

// Poisons reports whether a failure of this kind moves the execution
// directly to failed, bypassing retries.
func (k ErrorKind) Poisons() bool {
	switch k {
	case ErrSecurityViolation, ErrInternal:
		return true
	}
	return false
}

// EngineError is the typed error surfaced by engine components.
type EngineError struct {
	Kind    ErrorKind
	NodeID  string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Errf builds an EngineError of the given kind with a formatted
// message.
func Errf(kind ErrorKind, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NodeErrf builds an EngineError attributed to a specific node.
func NodeErrf(kind ErrorKind, nodeID, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, NodeID: nodeID, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a cause to an EngineError of the given kind.
func WrapErr(kind ErrorKind, cause error, format string, args ...interface{}) *EngineError {
	return &EngineError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, or ErrInternal when err is
// not an EngineError.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return ErrInternal
}
