package expr

import (
	"github.com/flumeworks/flume/common/models"
	"github.com/flumeworks/flume/common/resolver"
)

// exprNode is one node of the parsed expression tree.
type exprNode interface {
	eval(scope *resolver.Scope) (any, error)
}

type literalNode struct {
	val any
}

func (l *literalNode) eval(*resolver.Scope) (any, error) {
	return l.val, nil
}

// pathNode resolves a dotted reference through the variable scope.
// A missing path evaluates to nil so expressions like
// `A.output.flag == null` remain expressible.
type pathNode struct {
	path string
}

func (p *pathNode) eval(scope *resolver.Scope) (any, error) {
	v, ok := resolver.LookupPath(scope, p.path)
	if !ok {
		return nil, nil
	}
	return v, nil
}

type unaryNode struct {
	op      string
	operand exprNode
}

type binaryNode struct {
	op          string
	left, right exprNode
}

// parser is a recursive-descent parser over the restricted grammar:
//
//	orExpr  := andExpr ( '||' andExpr )*
//	andExpr := cmpExpr ( '&&' cmpExpr )*
//	cmpExpr := addExpr ( cmpOp addExpr )?
//	addExpr := mulExpr ( ('+'|'-') mulExpr )*
//	mulExpr := unary   ( ('*'|'/'|'%') unary )*
//	unary   := '!' unary | '-' unary | primary
//	primary := literal | path | '(' orExpr ')'
type parser struct {
	tokens []token
	pos    int
}

func parse(tokens []token) (exprNode, error) {
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		t := p.peek()
		return nil, models.Errf(models.ErrExpressionParse, "unexpected %q at position %d", t.text, t.pos)
	}
	return node, nil
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.advance()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (exprNode, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseCmp() (exprNode, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseAdd() (exprNode, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMul() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (exprNode, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.advance()
		return &literalNode{val: t.num}, nil

	case tokString:
		p.advance()
		return &literalNode{val: t.text}, nil

	case tokIdent:
		p.advance()
		switch t.text {
		case "true":
			return &literalNode{val: true}, nil
		case "false":
			return &literalNode{val: false}, nil
		case "null":
			return &literalNode{val: nil}, nil
		default:
			return &pathNode{path: t.text}, nil
		}

	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, models.Errf(models.ErrExpressionParse, "missing closing parenthesis at position %d", p.peek().pos)
		}
		p.advance()
		return inner, nil

	case tokEOF:
		return nil, models.Errf(models.ErrExpressionParse, "unexpected end of expression")

	default:
		return nil, models.Errf(models.ErrExpressionParse, "unexpected %q at position %d", t.text, t.pos)
	}
}
