package expr

import (
	"math"
	"reflect"

	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/resolver"
)

func (u *unaryNode) eval(scope *resolver.Scope) (any, error) {
	v, err := u.operand.eval(scope)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "!":
		return !Truthy(v), nil
	case "-":
		n, ok := asNumber(v)
		if !ok {
			return nil, models.Errf(models.ErrExpressionRuntime, "cannot negate %T", v)
		}
		return -n, nil
	}
	return nil, models.Errf(models.ErrExpressionRuntime, "unknown unary operator %q", u.op)
}

func (b *binaryNode) eval(scope *resolver.Scope) (any, error) {
	// Logical operators short-circuit.
	switch b.op {
	case "&&":
		left, err := b.left.eval(scope)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := b.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "||":
		left, err := b.left.eval(scope)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := b.right.eval(scope)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := b.left.eval(scope)
	if err != nil {
		return nil, err
	}
	right, err := b.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(b.op, left, right)
	case "+":
		return addValues(left, right)
	case "-", "*", "/", "%":
		return arithmetic(b.op, left, right)
	}
	return nil, models.Errf(models.ErrExpressionRuntime, "unknown operator %q", b.op)
}

// looseEqual compares across numeric representations; everything else
// falls back to deep equality.
func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an == bn
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	ab, aok := a.(bool)
	bb, bok := b.(bool)
	if aok && bok {
		return ab == bb
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(op string, a, b any) (any, error) {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		switch op {
		case "<":
			return an < bn, nil
		case "<=":
			return an <= bn, nil
		case ">":
			return an > bn, nil
		case ">=":
			return an >= bn, nil
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return nil, models.Errf(models.ErrExpressionRuntime, "cannot compare %T and %T with %q", a, b, op)
}

// addValues concatenates when either operand is a string, otherwise
// adds numerically.
func addValues(a, b any) (any, error) {
	if as, ok := a.(string); ok {
		return as + resolver.Stringify(b), nil
	}
	if bs, ok := b.(string); ok {
		return resolver.Stringify(a) + bs, nil
	}
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if aok && bok {
		return an + bn, nil
	}
	return nil, models.Errf(models.ErrExpressionRuntime, "cannot add %T and %T", a, b)
}

func arithmetic(op string, a, b any) (any, error) {
	an, aok := asNumber(a)
	bn, bok := asNumber(b)
	if !aok || !bok {
		return nil, models.Errf(models.ErrExpressionRuntime, "operator %q requires numbers, got %T and %T", op, a, b)
	}
	switch op {
	case "-":
		return an - bn, nil
	case "*":
		return an * bn, nil
	case "/":
		if bn == 0 {
			return nil, models.Errf(models.ErrExpressionRuntime, "division by zero")
		}
		return an / bn, nil
	case "%":
		if bn == 0 {
			return nil, models.Errf(models.ErrExpressionRuntime, "modulo by zero")
		}
		return math.Mod(an, bn), nil
	}
	return nil, models.Errf(models.ErrExpressionRuntime, "unknown arithmetic operator %q", op)
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// Truthy coerces a value to boolean: null, zero, the empty string,
// and empty collections are false; everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		if n, ok := asNumber(v); ok {
			return n != 0
		}
		return true
	}
}
