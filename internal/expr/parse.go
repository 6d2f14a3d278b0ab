package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Parse builds a validated tree from a formula string. The grammar is the
// canonical one Node.String emits:
//
//	expr       := andOr
//	andOr      := boolTerm ((AND|OR) boolTerm)*
//	boolTerm   := '(' expr ')' | comparison
//	comparison := operand cmpOp operand
//	operand    := NUMBER | SERIES | INDICATOR '(' operand {',' operand} ')'
//
// Transforms (MA, ZSCORE, RANK, DECAY) and LAG parse as calls but are
// lifted into their dedicated node types with integer windows.
func Parse(formula string) (Node, error) {
	toks, err := lex(formula)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty formula")
	}

	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected trailing input at %q", p.peek().text)
	}
	if !isBoolean(node) {
		return nil, fmt.Errorf("formula must be a comparison or boolean combination, got bare series %q", node.String())
	}
	return node, nil
}

// Validate is the pre-insertion syntax gate: parse-only, result discarded.
func Validate(formula string) error {
	_, err := Parse(formula)
	return err
}

// Canonical parses a formula and re-renders it in canonical form.
func Canonical(formula string) (string, error) {
	node, err := Parse(formula)
	if err != nil {
		return "", err
	}
	return node.String(), nil
}

func isBoolean(n Node) bool {
	switch n.(type) {
	case *Compare, *Logic:
		return true
	}
	return false
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokLParen
	tokRParen
	tokComma
	tokCompare
)

type token struct {
	kind tokenKind
	text string
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '>' || c == '<':
			if i+1 < len(input) && input[i+1] == '=' {
				toks = append(toks, token{tokCompare, input[i : i+2]})
				i += 2
			} else {
				toks = append(toks, token{tokCompare, string(c)})
				i++
			}
		case unicode.IsDigit(c) || c == '-' || c == '.':
			j := i
			if input[j] == '-' {
				j++
			}
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.') {
				j++
			}
			text := input[i:j]
			if _, err := strconv.ParseFloat(text, 64); err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			toks = append(toks, token{tokNumber, text})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(input) && (unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j])) || input[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	if p.done() {
		return token{}, fmt.Errorf("unexpected end of formula, expected %s", what)
	}
	t := p.next()
	if t.kind != kind {
		return token{}, fmt.Errorf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseExpr() (Node, error) {
	left, err := p.parseBoolTerm()
	if err != nil {
		return nil, err
	}

	for !p.done() && p.peek().kind == tokIdent {
		op := strings.ToUpper(p.peek().text)
		if op != string(OpAnd) && op != string(OpOr) {
			break
		}
		p.next()

		if !isBoolean(left) {
			return nil, fmt.Errorf("%s needs boolean operands, got %q", op, left.String())
		}
		right, err := p.parseBoolTerm()
		if err != nil {
			return nil, err
		}
		if !isBoolean(right) {
			return nil, fmt.Errorf("%s needs boolean operands, got %q", op, right.String())
		}
		left = &Logic{Op: LogicOp(op), Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseBoolTerm() (Node, error) {
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	if p.done() {
		return left, nil
	}

	var op CompareOp
	switch t := p.peek(); {
	case t.kind == tokCompare:
		op = CompareOp(p.next().text)
	case t.kind == tokIdent && strings.EqualFold(t.text, string(OpCrossAbove)):
		p.next()
		op = OpCrossAbove
	case t.kind == tokIdent && strings.EqualFold(t.text, string(OpCrossBelow)):
		p.next()
		op = OpCrossBelow
	default:
		return left, nil
	}

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseOperand() (Node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of formula, expected operand")
	}
	t := p.next()

	switch t.kind {
	case tokNumber:
		v, _ := strconv.ParseFloat(t.text, 64)
		return &Num{Value: v}, nil

	case tokIdent:
		if p.done() || p.peek().kind != tokLParen {
			name := strings.ToLower(t.text)
			if !seriesRefs[name] {
				return nil, fmt.Errorf("unknown series %q", t.text)
			}
			return &Ref{Name: name}, nil
		}
		return p.parseCall(t.text)

	default:
		return nil, fmt.Errorf("expected operand, got %q", t.text)
	}
}

func (p *parser) parseCall(name string) (Node, error) {
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}

	var args []Node
	for {
		arg, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		if p.done() {
			return nil, fmt.Errorf("unterminated call %s(", name)
		}
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}

	upper := strings.ToUpper(name)
	switch upper {
	case string(TransformMA), string(TransformZScore), string(TransformRank), string(TransformDecay):
		window, err := callWindow(upper, args)
		if err != nil {
			return nil, err
		}
		return &Transform{Kind: TransformKind(upper), Window: window, Inner: args[0]}, nil

	case "LAG":
		periods, err := callWindow(upper, args)
		if err != nil {
			return nil, err
		}
		return &Lag{Periods: periods, Inner: args[0]}, nil
	}

	if _, ok := indicatorFamilies[upper]; !ok {
		return nil, fmt.Errorf("unknown indicator %q", name)
	}
	return &Call{Name: upper, Args: args}, nil
}

func callWindow(name string, args []Node) (int, error) {
	if len(args) != 2 {
		return 0, fmt.Errorf("%s takes (series, window), got %d args", name, len(args))
	}
	num, ok := args[1].(*Num)
	if !ok {
		return 0, fmt.Errorf("%s window must be a number", name)
	}
	window := int(num.Value)
	if float64(window) != num.Value || window <= 0 {
		return 0, fmt.Errorf("%s window must be a positive integer, got %v", name, num.Value)
	}
	return window, nil
}
