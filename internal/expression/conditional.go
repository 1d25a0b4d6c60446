package expression

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// EvaluateConditional evaluates a flow conditional against vars. An empty conditional is true.
func EvaluateConditional(conditional string, vars map[string]any) (bool, error) {
	conditional = strings.TrimSpace(conditional)
	if conditional == "" {
		return true, nil
	}
	source := conditional
	ctx := map[string]any{}
	if res := EvaluateReferencedVariables(conditional, vars, true); res != nil {
		source = res.Output
		ctx = res.Context
	}
	tokens, err := lex(source)
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", models.ErrInvalidConditional, conditional, err)
	}
	p := &parser{tokens: tokens, ctx: ctx}
	value, err := p.parseOr()
	if err == nil && !p.done() {
		err = fmt.Errorf("unexpected %q", p.peek().text)
	}
	if err != nil {
		return false, fmt.Errorf("%w %q: %v", models.ErrInvalidConditional, conditional, err)
	}
	return Truthy(value), nil
}

// Validate checks that a conditional is well formed without any variables bound.
func Validate(conditional string) error {
	_, err := EvaluateConditional(conditional, map[string]any{})
	return err
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokLParen
	tokRParen
	tokNot
	tokAnd
	tokOr
	tokEq
	tokNeq
	tokStrictEq
	tokStrictNeq
	tokDot
	tokComma
	tokString
	tokNumber
	tokIdent
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ","})
			i++
		case c == '.' && !(i+1 < len(src) && isDigit(src[i+1]) && !prevIsOperand(tokens)):
			tokens = append(tokens, token{kind: tokDot, text: "."})
			i++
		case strings.HasPrefix(src[i:], "==="):
			tokens = append(tokens, token{kind: tokStrictEq, text: "==="})
			i += 3
		case strings.HasPrefix(src[i:], "!=="):
			tokens = append(tokens, token{kind: tokStrictNeq, text: "!=="})
			i += 3
		case strings.HasPrefix(src[i:], "=="):
			tokens = append(tokens, token{kind: tokEq, text: "=="})
			i += 2
		case strings.HasPrefix(src[i:], "!="):
			tokens = append(tokens, token{kind: tokNeq, text: "!="})
			i += 2
		case c == '!':
			tokens = append(tokens, token{kind: tokNot, text: "!"})
			i++
		case strings.HasPrefix(src[i:], "&&"):
			tokens = append(tokens, token{kind: tokAnd, text: "&&"})
			i += 2
		case strings.HasPrefix(src[i:], "||"):
			tokens = append(tokens, token{kind: tokOr, text: "||"})
			i += 2
		case c == '\'' || c == '"':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: s})
			i += n
		case isDigit(c) || c == '.' || (c == '-' && i+1 < len(src) && (isDigit(src[i+1]) || src[i+1] == '.')):
			j := i + 1
			for j < len(src) && (isDigit(src[j]) || src[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", src[i:j])
			}
			tokens = append(tokens, token{kind: tokNumber, text: src[i:j], num: num})
			i = j
		case c == '$' || c == '_' || unicode.IsLetter(rune(c)):
			j := i + 1
			for j < len(src) && (src[j] == '_' || src[j] == '$' || isDigit(src[j]) || unicode.IsLetter(rune(src[j]))) {
				j++
			}
			tokens = append(tokens, token{kind: tokIdent, text: src[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return append(tokens, token{kind: tokEOF}), nil
}

func lexString(src string) (string, int, error) {
	quote := src[0]
	var sb strings.Builder
	for i := 1; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(src[i])
			}
		case c == quote:
			return sb.String(), i + 1, nil
		default:
			sb.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// prevIsOperand reports whether a '.' would follow a value, making it a member access.
func prevIsOperand(tokens []token) bool {
	if len(tokens) == 0 {
		return false
	}
	switch tokens[len(tokens)-1].kind {
	case tokIdent, tokString, tokNumber, tokRParen:
		return true
	}
	return false
}

type parser struct {
	tokens []token
	pos    int
	ctx    map[string]any
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) done() bool { return p.peek().kind == tokEOF }

func (p *parser) expect(kind tokenKind, what string) error {
	if p.peek().kind != kind {
		return fmt.Errorf("expected %s, got %q", what, p.peek().text)
	}
	p.next()
	return nil
}

func (p *parser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *parser) parseAnd() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			left = right
		}
	}
	return left, nil
}

func (p *parser) parseUnary() (any, error) {
	if p.peek().kind == tokNot {
		p.next()
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (any, error) {
	left, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	switch op := p.peek().kind; op {
	case tokEq, tokNeq, tokStrictEq, tokStrictNeq:
		p.next()
		right, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		var eq bool
		if op == tokStrictEq || op == tokStrictNeq {
			eq = strictEqual(left, right)
		} else {
			eq = looseEqual(left, right)
		}
		if op == tokNeq || op == tokStrictNeq {
			return !eq, nil
		}
		return eq, nil
	}
	return left, nil
}

func (p *parser) parsePostfix() (any, error) {
	value, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokDot {
		p.next()
		name := p.next()
		if name.kind != tokIdent {
			return nil, fmt.Errorf("expected method name after '.'")
		}
		if err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		var args []any
		for p.peek().kind != tokRParen {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		value, err = callMethod(value, name.text, args)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (p *parser) parsePrimary() (any, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		v, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return v, nil
	case tokString:
		return t.text, nil
	case tokNumber:
		return t.num, nil
	case tokIdent:
		switch t.text {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "undefined":
			return nil, nil
		}
		if v, ok := p.ctx[t.text]; ok {
			return v, nil
		}
		if strings.HasPrefix(t.text, "$") {
			// placeholder for a reference that resolved to nothing
			return nil, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", t.text)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

func callMethod(receiver any, name string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s expects one argument", name)
	}
	switch name {
	case "includes":
		if list, ok := receiver.([]any); ok {
			for _, item := range list {
				if looseEqual(item, args[0]) {
					return true, nil
				}
			}
			return false, nil
		}
		if receiver == nil {
			return false, nil
		}
		return strings.Contains(Stringify(receiver), Stringify(args[0])), nil
	case "startsWith":
		if receiver == nil {
			return false, nil
		}
		return strings.HasPrefix(Stringify(receiver), Stringify(args[0])), nil
	case "endsWith":
		if receiver == nil {
			return false, nil
		}
		return strings.HasSuffix(Stringify(receiver), Stringify(args[0])), nil
	default:
		return nil, fmt.Errorf("method %q is not allowed", name)
	}
}

// normalize folds numeric types into float64 so comparisons see one representation.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}

func toNumber(v any) float64 {
	switch n := normalize(v).(type) {
	case float64:
		return n
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case string:
		if y, ok := b.(string); ok {
			return x == y
		}
		if _, ok := b.(float64); ok {
			return toNumber(x) == b.(float64)
		}
		if _, ok := b.(bool); ok {
			return toNumber(x) == toNumber(b)
		}
	case float64:
		switch b.(type) {
		case float64, string, bool:
			return x == toNumber(b)
		}
	case bool:
		switch y := b.(type) {
		case bool:
			return x == y
		case float64, string:
			return toNumber(x) == toNumber(y)
		}
	}
	return reflect.DeepEqual(a, b)
}

func strictEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return reflect.DeepEqual(a, b)
}
