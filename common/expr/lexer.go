package expr

import (
	"strconv"
	"strings"

	"github.com/flumeworks/flume/common/models"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
	pos  int
}

// lex scans the whole expression into tokens. Multi-character
// operators are folded here so the parser sees one token per operator.
func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	n := len(src)

	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			sawDot := false
			for i < n && (src[i] >= '0' && src[i] <= '9' || src[i] == '.' && !sawDot) {
				if src[i] == '.' {
					// A trailing dot belongs to path syntax, not numbers.
					if i+1 >= n || src[i+1] < '0' || src[i+1] > '9' {
						break
					}
					sawDot = true
				}
				i++
			}
			text := src[start:i]
			num, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, models.Errf(models.ErrExpressionParse, "invalid number %q", text)
			}
			tokens = append(tokens, token{kind: tokNumber, text: text, num: num, pos: start})

		case c == '"':
			start := i
			i++
			var b strings.Builder
			for i < n && src[i] != '"' {
				if src[i] == '\\' && i+1 < n {
					i++
					switch src[i] {
					case 'n':
						b.WriteByte('\n')
					case 't':
						b.WriteByte('\t')
					case 'r':
						b.WriteByte('\r')
					case '\\':
						b.WriteByte('\\')
					case '"':
						b.WriteByte('"')
					default:
						b.WriteByte(src[i])
					}
				} else {
					b.WriteByte(src[i])
				}
				i++
			}
			if i >= n {
				return nil, models.Errf(models.ErrExpressionParse, "unterminated string literal")
			}
			i++ // closing quote
			tokens = append(tokens, token{kind: tokString, text: b.String(), pos: start})

		case isIdentStart(c):
			start := i
			for i < n && isIdentPart(src[i]) {
				i++
			}
			// Fold dotted paths into a single token: segments are
			// identifiers or bare integers (array indices).
			for i < n && src[i] == '.' && i+1 < n && (isIdentStart(src[i+1]) || src[i+1] >= '0' && src[i+1] <= '9') {
				i++ // dot
				for i < n && isIdentPart(src[i]) {
					i++
				}
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[start:i], pos: start})

		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++

		case c == '&' || c == '|':
			if i+1 >= n || src[i+1] != c {
				return nil, models.Errf(models.ErrExpressionParse, "invalid operator %q at position %d", string(c), i)
			}
			tokens = append(tokens, token{kind: tokOp, text: src[i : i+2], pos: i})
			i += 2

		case c == '=' || c == '!' || c == '<' || c == '>':
			if i+1 < n && src[i+1] == '=' {
				tokens = append(tokens, token{kind: tokOp, text: src[i : i+2], pos: i})
				i += 2
			} else {
				if c == '=' {
					return nil, models.Errf(models.ErrExpressionParse, "invalid operator \"=\" at position %d (use ==)", i)
				}
				tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i})
				i++
			}

		case c == '+' || c == '-' || c == '*' || c == '/' || c == '%':
			tokens = append(tokens, token{kind: tokOp, text: string(c), pos: i})
			i++

		default:
			return nil, models.Errf(models.ErrExpressionParse, "unexpected character %q at position %d", string(c), i)
		}
	}

	tokens = append(tokens, token{kind: tokEOF, pos: n})
	return tokens, nil
}

func isIdentStart(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
