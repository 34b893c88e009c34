package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// DefaultSandboxTimeout bounds one sandbox evaluation.
const DefaultSandboxTimeout = 30 * time.Second

// RegisterSandbox adds the sandbox.run_code tool: a whitelisted expression
// evaluator for the computations agents routinely need (arithmetic, string
// and JSON helpers, dates). No filesystem, network, or process access exists
// in the evaluator, so untrusted model-authored code cannot escape it.
func RegisterSandbox(r *Registry, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultSandboxTimeout
	}
	return r.Register(&Tool{
		Name:        "sandbox.run_code",
		Description: "Evaluate a small calculation script. Supports arithmetic (+ - * / % ^), comparisons, string literals, variables via `let name = expr` lines, and the functions abs, min, max, round, floor, ceil, sqrt, pow, len, upper, lower, concat, now, json_get. The value of the last line is the result.",
		InputSchema: `{
			"type": "object",
			"properties": {
				"code": {"type": "string", "description": "Script to evaluate, one statement per line"}
			},
			"required": ["code"]
		}`,
		Category: CategoryRead,
		Service:  "sandbox",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			code, _ := args["code"].(string)
			if strings.TrimSpace(code) == "" {
				return "", fmt.Errorf("code must not be empty")
			}
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			result, err := evalScript(ctx, code)
			if err != nil {
				return "", err
			}
			return formatValue(result), nil
		},
	})
}

// RegisterDatetime adds the system.get_datetime tool.
func RegisterDatetime(r *Registry) error {
	return r.Register(&Tool{
		Name:        "system.get_datetime",
		Description: "Return the current date and time in RFC 3339 format, with the UTC offset.",
		InputSchema: `{"type":"object","properties":{}}`,
		Category:    CategoryRead,
		Service:     "system",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	})
}

// evalScript evaluates the script line by line. `let name = expr` binds a
// variable; any other non-empty line is an expression whose value becomes
// the candidate result. The last evaluated value wins.
func evalScript(ctx context.Context, code string) (any, error) {
	vars := map[string]any{}
	var result any
	var evaluated bool
	for i, line := range strings.Split(code, "\n") {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation timed out: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if name, expr, ok := parseLet(line); ok {
			v, err := evalExpr(expr, vars)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", i+1, err)
			}
			vars[name] = v
			result, evaluated = v, true
			continue
		}
		v, err := evalExpr(line, vars)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		result, evaluated = v, true
	}
	if !evaluated {
		return nil, fmt.Errorf("no evaluable statements")
	}
	return result, nil
}

func parseLet(line string) (name, expr string, ok bool) {
	if !strings.HasPrefix(line, "let ") {
		return "", "", false
	}
	rest := strings.TrimPrefix(line, "let ")
	eq := strings.Index(rest, "=")
	if eq < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(rest[:eq])
	expr = strings.TrimSpace(rest[eq+1:])
	if name == "" || expr == "" {
		return "", "", false
	}
	return name, expr, true
}

// expression grammar (precedence climbing):
//
//	expr    := cmp
//	cmp     := addsub (("=="|"!="|"<"|"<="|">"|">=") addsub)?
//	addsub  := muldiv (("+"|"-") muldiv)*
//	muldiv  := unary (("*"|"/"|"%") unary)*
//	unary   := "-" unary | power
//	power   := primary ("^" unary)?
//	primary := number | string | ident | ident "(" args ")" | "(" expr ")"
type exprParser struct {
	input []rune
	pos   int
	vars  map[string]any
}

func evalExpr(s string, vars map[string]any) (any, error) {
	p := &exprParser{input: []rune(s), vars: vars}
	v, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, fmt.Errorf("unexpected %q at position %d", string(p.input[p.pos]), p.pos)
	}
	return v, nil
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && unicode.IsSpace(p.input[p.pos]) {
		p.pos++
	}
}

func (p *exprParser) peek() rune {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) parseCmp() (any, error) {
	left, err := p.parseAddSub()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	ops := []string{"==", "!=", "<=", ">=", "<", ">"}
	for _, op := range ops {
		if p.hasPrefix(op) {
			p.pos += len(op)
			right, err := p.parseAddSub()
			if err != nil {
				return nil, err
			}
			return compare(op, left, right)
		}
	}
	return left, nil
}

func (p *exprParser) hasPrefix(op string) bool {
	if p.pos+len(op) > len(p.input) {
		return false
	}
	return string(p.input[p.pos:p.pos+len(op)]) == op
}

func (p *exprParser) parseAddSub() (any, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseMulDiv()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseMulDiv() (any, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left, err = arith(op, left, right)
		if err != nil {
			return nil, err
		}
	}
}

func (p *exprParser) parseUnary() (any, error) {
	p.skipSpace()
	if p.peek() == '-' {
		p.pos++
		v, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		n, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("unary minus on non-number")
		}
		return -n, nil
	}
	return p.parsePower()
}

func (p *exprParser) parsePower() (any, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	b, ok1 := asNumber(base)
	e, ok2 := asNumber(exp)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("^ requires numbers")
	}
	return math.Pow(b, e), nil
}

func (p *exprParser) parsePrimary() (any, error) {
	p.skipSpace()
	ch := p.peek()
	switch {
	case ch == '(':
		p.pos++
		v, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case ch == '"' || ch == '\'':
		return p.parseString(ch)
	case unicode.IsDigit(ch) || ch == '.':
		return p.parseNumber()
	case unicode.IsLetter(ch) || ch == '_':
		return p.parseIdent()
	case ch == 0:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected character %q", string(ch))
	}
}

func (p *exprParser) parseString(quote rune) (any, error) {
	p.pos++
	var sb strings.Builder
	for p.pos < len(p.input) {
		ch := p.input[p.pos]
		if ch == quote {
			p.pos++
			return sb.String(), nil
		}
		if ch == '\\' && p.pos+1 < len(p.input) {
			p.pos++
			ch = p.input[p.pos]
		}
		sb.WriteRune(ch)
		p.pos++
	}
	return nil, fmt.Errorf("unterminated string literal")
}

func (p *exprParser) parseNumber() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}
	n, err := strconv.ParseFloat(string(p.input[start:p.pos]), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", string(p.input[start:p.pos]))
	}
	return n, nil
}

func (p *exprParser) parseIdent() (any, error) {
	start := p.pos
	for p.pos < len(p.input) && (unicode.IsLetter(p.input[p.pos]) || unicode.IsDigit(p.input[p.pos]) || p.input[p.pos] == '_') {
		p.pos++
	}
	name := string(p.input[start:p.pos])
	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		return callBuiltin(name, args)
	}
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if v, ok := p.vars[name]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown identifier %q", name)
}

func (p *exprParser) parseArgs() ([]any, error) {
	var args []any
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return args, nil
	}
	for {
		v, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++
			return args, nil
		default:
			return nil, fmt.Errorf("expected ',' or ')' in argument list")
		}
	}
}

func callBuiltin(name string, args []any) (any, error) {
	num1 := func() (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s expects 1 argument", name)
		}
		n, ok := asNumber(args[0])
		if !ok {
			return 0, fmt.Errorf("%s expects a number", name)
		}
		return n, nil
	}
	switch name {
	case "abs":
		n, err := num1()
		if err != nil {
			return nil, err
		}
		return math.Abs(n), nil
	case "sqrt":
		n, err := num1()
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("sqrt of negative number")
		}
		return math.Sqrt(n), nil
	case "floor":
		n, err := num1()
		if err != nil {
			return nil, err
		}
		return math.Floor(n), nil
	case "ceil":
		n, err := num1()
		if err != nil {
			return nil, err
		}
		return math.Ceil(n), nil
	case "round":
		n, err := num1()
		if err != nil {
			return nil, err
		}
		return math.Round(n), nil
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s expects at least 1 argument", name)
		}
		best, ok := asNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("%s expects numbers", name)
		}
		for _, a := range args[1:] {
			n, ok := asNumber(a)
			if !ok {
				return nil, fmt.Errorf("%s expects numbers", name)
			}
			if (name == "min" && n < best) || (name == "max" && n > best) {
				best = n
			}
		}
		return best, nil
	case "pow":
		if len(args) != 2 {
			return nil, fmt.Errorf("pow expects 2 arguments")
		}
		b, ok1 := asNumber(args[0])
		e, ok2 := asNumber(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("pow expects numbers")
		}
		return math.Pow(b, e), nil
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len expects 1 argument")
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("len expects a string")
		}
		return float64(len([]rune(s))), nil
	case "upper", "lower":
		if len(args) != 1 {
			return nil, fmt.Errorf("%s expects 1 argument", name)
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s expects a string", name)
		}
		if name == "upper" {
			return strings.ToUpper(s), nil
		}
		return strings.ToLower(s), nil
	case "concat":
		var sb strings.Builder
		for _, a := range args {
			sb.WriteString(formatValue(a))
		}
		return sb.String(), nil
	case "now":
		if len(args) != 0 {
			return nil, fmt.Errorf("now expects no arguments")
		}
		return time.Now().Format(time.RFC3339), nil
	case "json_get":
		if len(args) != 2 {
			return nil, fmt.Errorf("json_get expects (json_string, dotted_path)")
		}
		doc, ok1 := args[0].(string)
		path, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("json_get expects string arguments")
		}
		return jsonGet(doc, path)
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

// jsonGet extracts a value from a JSON document by dotted path. Numeric path
// segments index into arrays.
func jsonGet(doc, path string) (any, error) {
	var root any
	if err := json.Unmarshal([]byte(doc), &root); err != nil {
		return nil, fmt.Errorf("json_get: invalid JSON: %w", err)
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, fmt.Errorf("json_get: key %q not found", seg)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, fmt.Errorf("json_get: bad array index %q", seg)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("json_get: path %q descends into a scalar", path)
		}
	}
	return cur, nil
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func arith(op rune, left, right any) (any, error) {
	// String concatenation with +.
	if op == '+' {
		if ls, ok := left.(string); ok {
			return ls + formatValue(right), nil
		}
		if rs, ok := right.(string); ok {
			return formatValue(left) + rs, nil
		}
	}
	l, ok1 := asNumber(left)
	r, ok2 := asNumber(right)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %q requires numbers", string(op))
	}
	switch op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return l / r, nil
	case '%':
		if r == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(l, r), nil
	default:
		return nil, fmt.Errorf("unknown operator %q", string(op))
	}
}

func compare(op string, left, right any) (any, error) {
	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare string with non-string")
		}
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		}
	}
	l, ok1 := asNumber(left)
	r, ok2 := asNumber(right)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("operator %q requires comparable values", op)
	}
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return nil, fmt.Errorf("unknown operator %q", op)
	}
}

// formatValue renders a value for model feedback. Whole-number floats print
// without a trailing .0 so arithmetic over ints stays readable.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return "null"
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
