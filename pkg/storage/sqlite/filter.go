package sqlite

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/obe711/realm-inspector-go/pkg/adapter"
	"github.com/obe711/realm-inspector-go/pkg/wire"
)

// The filter language accepted in query/count/subscribe predicates:
//
//	expr    := and ( "OR" and )*
//	and     := cmp ( "AND" cmp )*
//	cmp     := "(" expr ")" | keypath op literal
//	op      := == != < <= > >= CONTAINS BEGINSWITH ENDSWITH
//	literal := 'string' | "string" | number | true | false | null
//
// Keywords are case-insensitive. String comparison operators compare
// case-sensitively.

type predicate interface {
	matches(doc map[string]wire.Value) bool
}

type orPred struct{ terms []predicate }

func (p orPred) matches(doc map[string]wire.Value) bool {
	for _, t := range p.terms {
		if t.matches(doc) {
			return true
		}
	}
	return false
}

type andPred struct{ terms []predicate }

func (p andPred) matches(doc map[string]wire.Value) bool {
	for _, t := range p.terms {
		if !t.matches(doc) {
			return false
		}
	}
	return true
}

type cmpPred struct {
	keyPath string
	op      string
	lit     wire.Value
}

func (p cmpPred) matches(doc map[string]wire.Value) bool {
	field, ok := lookupKeyPath(doc, p.keyPath)
	if !ok {
		return false
	}
	switch p.op {
	case "==":
		return valueEquals(field, p.lit)
	case "!=":
		return !valueEquals(field, p.lit)
	case "<", "<=", ">", ">=":
		return orderedCompare(field, p.lit, p.op)
	case "CONTAINS", "BEGINSWITH", "ENDSWITH":
		fs, ok1 := stringOf(field)
		ls, ok2 := stringOf(p.lit)
		if !ok1 || !ok2 {
			return false
		}
		switch p.op {
		case "CONTAINS":
			return strings.Contains(fs, ls)
		case "BEGINSWITH":
			return strings.HasPrefix(fs, ls)
		default:
			return strings.HasSuffix(fs, ls)
		}
	}
	return false
}

func lookupKeyPath(doc map[string]wire.Value, keyPath string) (wire.Value, bool) {
	cur := wire.Object(doc)
	for _, part := range strings.Split(keyPath, ".") {
		next, ok := cur.Get(part)
		if !ok {
			return wire.Value{}, false
		}
		cur = next
	}
	return cur, true
}

func valueEquals(a, b wire.Value) bool {
	if af, ok := a.AsFloat64(); ok {
		if bf, ok := b.AsFloat64(); ok {
			return af == bf
		}
		return false
	}
	if as, ok := stringOf(a); ok {
		bs, ok := stringOf(b)
		return ok && as == bs
	}
	return a.Equal(b)
}

func orderedCompare(a, b wire.Value, op string) bool {
	if af, ok := a.AsFloat64(); ok {
		bf, ok := b.AsFloat64()
		if !ok {
			return false
		}
		switch op {
		case "<":
			return af < bf
		case "<=":
			return af <= bf
		case ">":
			return af > bf
		default:
			return af >= bf
		}
	}
	as, ok1 := stringOf(a)
	bs, ok2 := stringOf(b)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case "<":
		return as < bs
	case "<=":
		return as <= bs
	case ">":
		return as > bs
	default:
		return as >= bs
	}
}

func stringOf(v wire.Value) (string, bool) {
	if s, ok := v.AsString(); ok {
		return s, true
	}
	if s, ok := v.AsObjectID(); ok {
		return s, true
	}
	if s, ok := v.AsUUID(); ok {
		return s, true
	}
	if s, ok := v.AsDecimal128(); ok {
		return s, true
	}
	return "", false
}

// parseFilter compiles a predicate, or returns nil for an empty filter.
func parseFilter(filter string) (predicate, error) {
	if strings.TrimSpace(filter) == "" {
		return nil, nil
	}
	toks, err := tokenize(filter)
	if err != nil {
		return nil, adapter.Errf(adapter.InvalidPredicate, "Invalid predicate '%s': %v", filter, err)
	}
	p := &parser{toks: toks}
	pred, err := p.parseOr()
	if err != nil {
		return nil, adapter.Errf(adapter.InvalidPredicate, "Invalid predicate '%s': %v", filter, err)
	}
	if !p.eof() {
		return nil, adapter.Errf(adapter.InvalidPredicate, "Invalid predicate '%s': trailing input", filter)
	}
	return pred, nil
}

type token struct {
	kind string // ident, op, string, number, lparen, rparen
	text string
}

func tokenize(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := rune(input[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{"lparen", "("})
			i++
		case c == ')':
			toks = append(toks, token{"rparen", ")"})
			i++
		case c == '\'' || c == '"':
			quote := input[i]
			j := i + 1
			for j < len(input) && input[j] != quote {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{"string", input[i+1 : j]})
			i = j + 1
		case strings.ContainsRune("=!<>", c):
			j := i + 1
			if j < len(input) && input[j] == '=' {
				j++
			}
			op := input[i:j]
			switch op {
			case "==", "!=", "<", "<=", ">", ">=":
			default:
				return nil, fmt.Errorf("invalid operator %q", op)
			}
			toks = append(toks, token{"op", op})
			i = j
		case c == '-' || unicode.IsDigit(c):
			j := i + 1
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.' || input[j] == 'e' || input[j] == 'E' || input[j] == '+' || input[j] == '-') {
				j++
			}
			toks = append(toks, token{"number", input[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i + 1
			for j < len(input) && (unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j])) || input[j] == '_' || input[j] == '.') {
				j++
			}
			toks = append(toks, token{"ident", input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", c)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() (token, bool) {
	if p.eof() {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) next() (token, error) {
	if p.eof() {
		return token{}, fmt.Errorf("unexpected end of input")
	}
	t := p.toks[p.pos]
	p.pos++
	return t, nil
}

func (p *parser) parseOr() (predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []predicate{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "ident" || !strings.EqualFold(t.text, "OR") {
			break
		}
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return orPred{terms: terms}, nil
}

func (p *parser) parseAnd() (predicate, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	terms := []predicate{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != "ident" || !strings.EqualFold(t.text, "AND") {
			break
		}
		p.pos++
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return andPred{terms: terms}, nil
}

func (p *parser) parseCmp() (predicate, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	if t.kind == "lparen" {
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, err := p.next()
		if err != nil {
			return nil, err
		}
		if closing.kind != "rparen" {
			return nil, fmt.Errorf("expected ')'")
		}
		return inner, nil
	}
	if t.kind != "ident" {
		return nil, fmt.Errorf("expected key path, got %q", t.text)
	}
	keyPath := t.text

	opTok, err := p.next()
	if err != nil {
		return nil, err
	}
	var op string
	switch {
	case opTok.kind == "op":
		op = opTok.text
	case opTok.kind == "ident":
		upper := strings.ToUpper(opTok.text)
		switch upper {
		case "CONTAINS", "BEGINSWITH", "ENDSWITH":
			op = upper
		default:
			return nil, fmt.Errorf("invalid operator %q", opTok.text)
		}
	default:
		return nil, fmt.Errorf("expected operator, got %q", opTok.text)
	}

	litTok, err := p.next()
	if err != nil {
		return nil, err
	}
	lit, err := literalValue(litTok)
	if err != nil {
		return nil, err
	}
	return cmpPred{keyPath: keyPath, op: op, lit: lit}, nil
}

func literalValue(t token) (wire.Value, error) {
	switch t.kind {
	case "string":
		return wire.String(t.text), nil
	case "number":
		if !strings.ContainsAny(t.text, ".eE") {
			i, err := strconv.ParseInt(t.text, 10, 64)
			if err == nil {
				return wire.Int(i), nil
			}
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return wire.Value{}, fmt.Errorf("invalid number %q", t.text)
		}
		return wire.Double(f), nil
	case "ident":
		switch strings.ToLower(t.text) {
		case "true":
			return wire.Bool(true), nil
		case "false":
			return wire.Bool(false), nil
		case "null", "nil":
			return wire.Null(), nil
		}
		return wire.Value{}, fmt.Errorf("invalid literal %q", t.text)
	default:
		return wire.Value{}, fmt.Errorf("expected literal, got %q", t.text)
	}
}
