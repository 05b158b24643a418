package grok

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
)

const (
	maxExpressionLength = 200

	// maxIntegerBits caps exact integer powers
	maxIntegerBits = 1 << 17
)

var (
	errInvalidSyntax = errors.New("Invalid syntax")
	errMathDomain    = errors.New("math domain error")
	errMathRange     = errors.New("math range error")
)

var calculatorConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

type calculatorFunc struct {
	minArgs int
	maxArgs int
	fn      func(args []float64) (float64, error)
}

var calculatorFunctions = map[string]calculatorFunc{
	"sin":   unaryFunc(math.Sin),
	"cos":   unaryFunc(math.Cos),
	"tan":   unaryFunc(math.Tan),
	"abs":   unaryFunc(math.Abs),
	"ceil":  unaryFunc(math.Ceil),
	"floor": unaryFunc(math.Floor),
	"sqrt": {
		minArgs: 1,
		maxArgs: 1,
		fn: func(args []float64) (float64, error) {
			if args[0] < 0 {
				return 0, errMathDomain
			}
			return math.Sqrt(args[0]), nil
		},
	},
	"log": {
		minArgs: 1,
		maxArgs: 2,
		fn: func(args []float64) (float64, error) {
			for _, a := range args {
				if a <= 0 {
					return 0, errMathDomain
				}
			}
			if len(args) == 1 {
				return math.Log(args[0]), nil
			}
			base := math.Log(args[1])
			if base == 0 {
				return 0, errors.New("float division by zero")
			}
			return math.Log(args[0]) / base, nil
		},
	},
	"round": {
		minArgs: 1,
		maxArgs: 2,
		fn: func(args []float64) (float64, error) {
			if len(args) == 1 {
				return math.RoundToEven(args[0]), nil
			}
			scale := math.Pow(10, math.Trunc(args[1]))
			return math.RoundToEven(args[0]*scale) / scale, nil
		},
	},
}

func unaryFunc(f func(float64) float64) calculatorFunc {
	return calculatorFunc{
		minArgs: 1,
		maxArgs: 1,
		fn: func(args []float64) (float64, error) {
			return f(args[0]), nil
		},
	}
}

// Calculate evaluates a mathematical expression, returning the formatted
// result or an "Error: ..." message. Only arithmetic operators, a small
// set of math functions and the constants pi and e are supported.
func Calculate(expression string) string {
	expression = strings.TrimSpace(expression)
	if len([]rune(expression)) > maxExpressionLength {
		return fmt.Sprintf("Error: Expression too long (max %d chars)", maxExpressionLength)
	}

	tokens, err := tokenizeExpression(expression)
	if err != nil {
		return "Error: " + err.Error()
	}
	p := &exprParser{tokens: tokens}
	node, err := p.parse()
	if err != nil {
		return "Error: " + err.Error()
	}
	result, err := node.eval()
	if err != nil {
		return "Error: " + err.Error()
	}
	if result.i != nil {
		return result.i.String()
	}
	return formatCalculation(result.f)
}

// calcValue is an exact integer when i is set, and a float otherwise.
// Integer literals stay exact through + - * // % and non-negative **.
type calcValue struct {
	i *big.Int
	f float64
}

func intValue(i *big.Int) calcValue {
	return calcValue{i: i}
}

func floatValue(f float64) calcValue {
	return calcValue{f: f}
}

func (v calcValue) float() (float64, error) {
	if v.i == nil {
		return v.f, nil
	}
	f, _ := new(big.Float).SetInt(v.i).Float64()
	if math.IsInf(f, 0) {
		return 0, errMathRange
	}
	return f, nil
}

func formatCalculation(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case v == math.Trunc(v):
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "-0" {
		s = "0"
	}
	return s
}

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenIdent
	tokenOp
	tokenLParen
	tokenRParen
	tokenComma
	tokenEOF
)

type exprToken struct {
	kind  tokenKind
	text  string
	value calcValue
}

func tokenizeExpression(s string) ([]exprToken, error) {
	var tokens []exprToken
	runes := []rune(s)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			start := i
			for i < len(runes) && unicode.IsDigit(runes[i]) {
				i++
			}
			if i < len(runes) && runes[i] == '.' {
				i++
				for i < len(runes) && unicode.IsDigit(runes[i]) {
					i++
				}
			}
			if i < len(runes) && (runes[i] == 'e' || runes[i] == 'E') {
				j := i + 1
				if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
					j++
				}
				if j < len(runes) && unicode.IsDigit(runes[j]) {
					for j < len(runes) && unicode.IsDigit(runes[j]) {
						j++
					}
					i = j
				}
			}
			text := string(runes[start:i])
			if n, ok := new(big.Int).SetString(text, 10); ok {
				tokens = append(tokens, exprToken{kind: tokenNumber, text: text, value: intValue(n)})
				continue
			}
			v, err := strconv.ParseFloat(text, 64)
			if err != nil {
				return nil, errInvalidSyntax
			}
			tokens = append(tokens, exprToken{kind: tokenNumber, text: text, value: floatValue(v)})
		case r == '_' || unicode.IsLetter(r):
			start := i
			for i < len(runes) && (runes[i] == '_' || unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i])) {
				i++
			}
			tokens = append(tokens, exprToken{kind: tokenIdent, text: string(runes[start:i])})
		case r == '(':
			tokens = append(tokens, exprToken{kind: tokenLParen, text: "("})
			i++
		case r == ')':
			tokens = append(tokens, exprToken{kind: tokenRParen, text: ")"})
			i++
		case r == ',':
			tokens = append(tokens, exprToken{kind: tokenComma, text: ","})
			i++
		case r == '*' || r == '/':
			if i+1 < len(runes) && runes[i+1] == r {
				tokens = append(tokens, exprToken{kind: tokenOp, text: string([]rune{r, r})})
				i += 2
				continue
			}
			tokens = append(tokens, exprToken{kind: tokenOp, text: string(r)})
			i++
		case r == '+' || r == '-' || r == '%':
			tokens = append(tokens, exprToken{kind: tokenOp, text: string(r)})
			i++
		default:
			return nil, errInvalidSyntax
		}
	}
	return append(tokens, exprToken{kind: tokenEOF}), nil
}

type exprNode interface {
	eval() (calcValue, error)
}

type numberNode struct {
	value calcValue
}

func (n numberNode) eval() (calcValue, error) {
	return n.value, nil
}

type nameNode string

func (n nameNode) eval() (calcValue, error) {
	if v, ok := calculatorConstants[string(n)]; ok {
		return floatValue(v), nil
	}
	return calcValue{}, fmt.Errorf("Unknown variable or constant: %s", string(n))
}

type unaryNode struct {
	op      string
	operand exprNode
}

func (n unaryNode) eval() (calcValue, error) {
	v, err := n.operand.eval()
	if err != nil || n.op != "-" {
		return v, err
	}
	if v.i != nil {
		return intValue(new(big.Int).Neg(v.i)), nil
	}
	return floatValue(-v.f), nil
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n binaryNode) eval() (calcValue, error) {
	left, err := n.left.eval()
	if err != nil {
		return calcValue{}, err
	}
	right, err := n.right.eval()
	if err != nil {
		return calcValue{}, err
	}
	if left.i != nil && right.i != nil {
		if v, ok, err := intBinary(n.op, left.i, right.i); ok || err != nil {
			return v, err
		}
	}

	l, err := left.float()
	if err != nil {
		return calcValue{}, err
	}
	r, err := right.float()
	if err != nil {
		return calcValue{}, err
	}
	v, err := floatBinary(n.op, l, r)
	return floatValue(v), err
}

// intBinary applies op exactly. ok is false when the result isn't an
// integer and the float path should be used instead.
func intBinary(op string, left, right *big.Int) (calcValue, bool, error) {
	switch op {
	case "+":
		return intValue(new(big.Int).Add(left, right)), true, nil
	case "-":
		return intValue(new(big.Int).Sub(left, right)), true, nil
	case "*":
		return intValue(new(big.Int).Mul(left, right)), true, nil
	case "/":
		if right.Sign() == 0 {
			return floatValue(math.Inf(1)), true, nil
		}
		f, _ := new(big.Rat).SetFrac(left, right).Float64()
		if math.IsInf(f, 0) {
			return calcValue{}, false, errMathRange
		}
		return floatValue(f), true, nil
	case "//", "%":
		if right.Sign() == 0 {
			return floatValue(math.Inf(1)), true, nil
		}
		q, m := new(big.Int).QuoRem(left, right, new(big.Int))
		if m.Sign() != 0 && m.Sign() != right.Sign() {
			q.Sub(q, big.NewInt(1))
			m.Add(m, right)
		}
		if op == "//" {
			return intValue(q), true, nil
		}
		return intValue(m), true, nil
	case "**":
		if right.Sign() < 0 {
			return calcValue{}, false, nil
		}
		if left.CmpAbs(big.NewInt(1)) > 0 {
			if !right.IsInt64() || right.Int64() > maxIntegerBits ||
				right.Int64()*int64(left.BitLen()) > maxIntegerBits {
				return calcValue{}, false, errMathRange
			}
		}
		return intValue(new(big.Int).Exp(left, right, nil)), true, nil
	}
	return calcValue{}, false, nil
}

func floatBinary(op string, left, right float64) (float64, error) {
	switch op {
	case "+":
		return left + right, nil
	case "-":
		return left - right, nil
	case "*":
		return left * right, nil
	case "/":
		if right == 0 {
			return math.Inf(1), nil
		}
		return left / right, nil
	case "//":
		if right == 0 {
			return math.Inf(1), nil
		}
		return math.Floor(left / right), nil
	case "%":
		if right == 0 {
			return math.Inf(1), nil
		}
		m := math.Mod(left, right)
		if m != 0 && (m < 0) != (right < 0) {
			m += right
		}
		return m, nil
	case "**":
		if left == 0 && right < 0 {
			return math.Inf(1), nil
		}
		if left < 0 && right != math.Trunc(right) {
			return 0, errMathDomain
		}
		v := math.Pow(left, right)
		if math.IsInf(v, 0) && !math.IsInf(left, 0) && !math.IsInf(right, 0) {
			return 0, errMathRange
		}
		return v, nil
	default:
		return 0, errInvalidSyntax
	}
}

type callNode struct {
	name string
	args []exprNode
}

func (n callNode) eval() (calcValue, error) {
	f, ok := calculatorFunctions[n.name]
	if !ok {
		return calcValue{}, fmt.Errorf("Unsupported function: %s", n.name)
	}
	if len(n.args) < f.minArgs || len(n.args) > f.maxArgs {
		return calcValue{}, fmt.Errorf(
			"%s() takes %d to %d arguments (%d given)",
			n.name, f.minArgs, f.maxArgs, len(n.args),
		)
	}
	values := make([]float64, 0, len(n.args))
	for _, arg := range n.args {
		v, err := arg.eval()
		if err != nil {
			return calcValue{}, err
		}
		fv, err := v.float()
		if err != nil {
			return calcValue{}, err
		}
		values = append(values, fv)
	}
	result, err := f.fn(values)
	return floatValue(result), err
}

// exprParser is a recursive descent parser. Unary minus binds looser
// than '**', so -2**2 is -4.
type exprParser struct {
	tokens []exprToken
	pos    int
}

func (p *exprParser) peek() exprToken {
	return p.tokens[p.pos]
}

func (p *exprParser) next() exprToken {
	t := p.tokens[p.pos]
	if t.kind != tokenEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parse() (exprNode, error) {
	if p.peek().kind == tokenEOF {
		return nil, errInvalidSyntax
	}
	node, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokenEOF {
		return nil, errInvalidSyntax
	}
	return node, nil
}

func (p *exprParser) parseSum() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokenOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *exprParser) parseTerm() (exprNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokenOp {
			return left, nil
		}
		switch t.text {
		case "*", "/", "//", "%":
		default:
			return left, nil
		}
		p.next()
		right, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.text, left: left, right: right}
	}
}

func (p *exprParser) parseFactor() (exprNode, error) {
	t := p.peek()
	if t.kind == tokenOp && (t.text == "+" || t.text == "-") {
		p.next()
		operand, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: t.text, operand: operand}, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (exprNode, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokenOp && t.text == "**" {
		p.next()
		exponent, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "**", left: base, right: exponent}, nil
	}
	return base, nil
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	t := p.next()
	switch t.kind {
	case tokenNumber:
		return numberNode{value: t.value}, nil
	case tokenIdent:
		if p.peek().kind != tokenLParen {
			return nameNode(t.text), nil
		}
		p.next()
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		return callNode{name: t.text, args: args}, nil
	case tokenLParen:
		node, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokenRParen {
			return nil, errInvalidSyntax
		}
		return node, nil
	default:
		return nil, errInvalidSyntax
	}
}

func (p *exprParser) parseArgs() ([]exprNode, error) {
	var args []exprNode
	if p.peek().kind == tokenRParen {
		p.next()
		return args, nil
	}
	for {
		arg, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		switch p.next().kind {
		case tokenComma:
			if p.peek().kind == tokenRParen {
				p.next()
				return args, nil
			}
		case tokenRParen:
			return args, nil
		default:
			return nil, errInvalidSyntax
		}
	}
}
