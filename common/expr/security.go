package expr

import (
	"strings"

	"github.com/flumeworks/flume/common/models"
)

// dangerousSubstrings are rejected outright before lexing: type
// references, construction syntax, reflection-style tokens, and
// process/runtime/system identifiers. Matches are case-sensitive so
// ordinary scope paths (system.executionId) stay legal while
// host-language spellings (System.exit, Runtime) do not.
var dangerousSubstrings = []string{
	"import ",
	"new ",
	"Class",
	"getClass",
	"forName",
	"System.",
	"Runtime",
	"Process",
	"Thread",
	"java.",
	"javax.",
	"reflect",
	"unsafe",
	"eval(",
	"exec(",
	"require(",
	"__proto__",
	"constructor",
	"globalThis",
}

// securityScan validates an expression against the character
// allow-set and the dangerous-substring deny list. It runs on the
// normalized expression, before any token is produced.
func securityScan(expr string) error {
	for _, bad := range dangerousSubstrings {
		if strings.Contains(expr, bad) {
			return models.Errf(models.ErrSecurityViolation, "expression contains forbidden token %q", strings.TrimSpace(bad))
		}
	}

	inString := false
	escaped := false
	for _, r := range expr {
		if inString {
			if escaped {
				escaped = false
				continue
			}
			switch r {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch {
		case r == '"':
			inString = true
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '.':
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		case r == '(' || r == ')':
		case r == '+' || r == '-' || r == '*' || r == '/' || r == '%':
		case r == '<' || r == '>' || r == '=' || r == '!':
		case r == '&' || r == '|':
		default:
			return models.Errf(models.ErrSecurityViolation, "expression contains forbidden character %q", string(r))
		}
	}
	if inString {
		return models.Errf(models.ErrExpressionParse, "unterminated string literal")
	}
	return nil
}
