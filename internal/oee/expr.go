package oee

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	ErrSyntax          = errors.New("expression syntax error")
	ErrUnknownVariable = errors.New("unknown variable")
)

// Variables available to custom formula expressions
const (
	VarRunTime               = "run_time"
	VarPlannedProductionTime = "planned_production_time"
	VarStandardTimeProduced  = "standard_time_produced"
	VarGoodCount             = "good_count"
	VarRejectCount           = "reject_count"
	VarTotalCount            = "total_count"
	VarWeightedIdealRate     = "weighted_ideal_rate"
	VarPlannedDowntime       = "planned_downtime"
	VarUnplannedDowntime     = "unplanned_downtime"
	VarIdealCycleTime        = "ideal_cycle_time"
)

var knownVariables = map[string]bool{
	VarRunTime:               true,
	VarPlannedProductionTime: true,
	VarStandardTimeProduced:  true,
	VarGoodCount:             true,
	VarRejectCount:           true,
	VarTotalCount:            true,
	VarWeightedIdealRate:     true,
	VarPlannedDowntime:       true,
	VarUnplannedDowntime:     true,
	VarIdealCycleTime:        true,
}

// Expression is a compiled arithmetic formula. It supports numbers, the
// known variables, unary minus, + - * / and parentheses. Nothing else.
type Expression struct {
	source string
	root   node
}

// CompileExpression parses src and checks every variable it references
func CompileExpression(src string) (*Expression, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, p.tokens[p.pos].text, p.tokens[p.pos].offset)
	}
	return &Expression{source: src, root: root}, nil
}

// String returns the source text
func (e *Expression) String() string {
	return e.source
}

// Eval evaluates the expression. Missing variables read as zero and
// division by zero yields zero.
func (e *Expression) Eval(vars map[string]float64) float64 {
	return e.root.eval(vars)
}

type node interface {
	eval(vars map[string]float64) float64
}

type numberNode float64

func (n numberNode) eval(map[string]float64) float64 { return float64(n) }

type variableNode string

func (v variableNode) eval(vars map[string]float64) float64 { return vars[string(v)] }

type negateNode struct{ operand node }

func (n negateNode) eval(vars map[string]float64) float64 { return -n.operand.eval(vars) }

type binaryNode struct {
	op          byte
	left, right node
}

func (b binaryNode) eval(vars map[string]float64) float64 {
	l := b.left.eval(vars)
	r := b.right.eval(vars)
	switch b.op {
	case '+':
		return l + r
	case '-':
		return l - r
	case '*':
		return l * r
	case '/':
		if r == 0 {
			return 0
		}
		return l / r
	}
	return 0
}

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOperator
	tokLParen
	tokRParen
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

func tokenize(src string) ([]token, error) {
	var tokens []token
	runes := []rune(src)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{kind: tokNumber, text: string(runes[start:i]), offset: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[start:i]), offset: start})
		case strings.ContainsRune("+-*/", r):
			tokens = append(tokens, token{kind: tokOperator, text: string(r), offset: i})
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", offset: i})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", offset: i})
			i++
		default:
			return nil, fmt.Errorf("%w: invalid character %q at offset %d", ErrSyntax, r, i)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() *token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

// expr := term (("+" | "-") term)*
func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tokOperator || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

// term := unary (("*" | "/") unary)*
func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t == nil || t.kind != tokOperator || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text[0], left: left, right: right}
	}
}

// unary := "-" unary | primary
func (p *parser) parseUnary() (node, error) {
	if t := p.peek(); t != nil && t.kind == tokOperator && t.text == "-" {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negateNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

// primary := number | identifier | "(" expr ")"
func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("%w: unexpected end of expression", ErrSyntax)
	}
	p.pos++

	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad number %q at offset %d", ErrSyntax, t.text, t.offset)
		}
		return numberNode(v), nil
	case tokIdent:
		if !knownVariables[t.text] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownVariable, t.text)
		}
		return variableNode(t.text), nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.peek(); closing == nil || closing.kind != tokRParen {
			return nil, fmt.Errorf("%w: missing closing parenthesis for offset %d", ErrSyntax, t.offset)
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrSyntax, t.text, t.offset)
}
