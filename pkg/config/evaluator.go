package config

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/openfroyo/stackforge/pkg/errdefs"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	// DefaultMaxSteps bounds the nodes a single template expression may
	// evaluate.
	DefaultMaxSteps = 10000

	// MaxResultLength bounds the value of a single expression and of an
	// expanded template.
	MaxResultLength = 64 << 10
)

var (
	templatePattern = regexp.MustCompile(`\{\{(.*?)\}\}`)
	numberPattern   = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
)

// Evaluator expands "{{expr}}" templates. Expressions are restricted to
// literals, variable lookups, arithmetic, string concatenation and
// parentheses; the syntax tree is checked before anything is evaluated, and
// the evaluation sees nothing but the scope variables.
type Evaluator struct {
	maxSteps uint64
}

// NewEvaluator creates an evaluator with the default step limit.
func NewEvaluator() *Evaluator {
	return &Evaluator{maxSteps: DefaultMaxSteps}
}

// HasTemplate reports whether s contains at least one "{{...}}" placeholder.
func HasTemplate(s string) bool {
	return templatePattern.MatchString(s)
}

// Expand replaces every "{{expr}}" in template with the stringified result
// of evaluating expr against scope.
func (ev *Evaluator) Expand(template string, scope map[string]string) (string, error) {
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return ""
		}
		expr := templatePattern.FindStringSubmatch(match)[1]
		value, err := ev.Evaluate(expr, scope)
		if err != nil {
			firstErr = err
			return ""
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	if len(out) > MaxResultLength {
		return "", errdefs.Newf(errdefs.KindUnsupportedValue,
			"template expands to more than %d bytes", MaxResultLength)
	}
	return out, nil
}

// Evaluate evaluates one expression against scope.
func (ev *Evaluator) Evaluate(expr string, scope map[string]string) (string, error) {
	parsed, names, err := ev.parse(expr)
	if err != nil {
		return "", err
	}

	env := make(map[string]starlark.Value, len(names))
	for _, name := range names {
		raw, ok := scope[name]
		if !ok {
			return "", errdefs.Newf(errdefs.KindUnresolvedReference,
				"expression %q references undefined variable %q", expr, name).WithAttribute(name)
		}
		env[name] = toValue(raw)
	}

	e := &evaluation{expr: expr, env: env, maxSteps: ev.maxSteps}
	value, err := e.eval(parsed)
	if err != nil {
		return "", err
	}

	out := fromValue(value)
	if len(out) > MaxResultLength {
		return "", e.tooLarge()
	}
	return out, nil
}

// evaluation walks one checked syntax tree. Operators on numbers follow
// Starlark; "+" with a string operand concatenates the stringified
// operands, and string repetition is refused.
type evaluation struct {
	expr     string
	env      map[string]starlark.Value
	steps    uint64
	maxSteps uint64
}

func (e *evaluation) eval(n syntax.Expr) (starlark.Value, error) {
	e.steps++
	if e.steps > e.maxSteps {
		return nil, errdefs.Newf(errdefs.KindUnsupportedValue,
			"expression %q exceeds %d evaluation steps", e.expr, e.maxSteps)
	}

	switch n := n.(type) {
	case *syntax.Ident:
		return e.env[n.Name], nil
	case *syntax.Literal:
		switch v := n.Value.(type) {
		case string:
			return starlark.String(v), nil
		case int64:
			return starlark.MakeInt64(v), nil
		case *big.Int:
			return starlark.MakeBigInt(v), nil
		case float64:
			return starlark.Float(v), nil
		}
		return nil, unsupportedConstruct(e.expr, n.Token.String()+" literal")
	case *syntax.ParenExpr:
		return e.eval(n.X)
	case *syntax.UnaryExpr:
		x, err := e.eval(n.X)
		if err != nil {
			return nil, err
		}
		return e.check(starlark.Unary(n.Op, x))
	case *syntax.BinaryExpr:
		x, err := e.eval(n.X)
		if err != nil {
			return nil, err
		}
		y, err := e.eval(n.Y)
		if err != nil {
			return nil, err
		}
		_, xs := x.(starlark.String)
		_, ys := y.(starlark.String)
		switch {
		case n.Op == syntax.PLUS && (xs || ys):
			if len(fromValue(x))+len(fromValue(y)) > MaxResultLength {
				return nil, e.tooLarge()
			}
			return starlark.String(fromValue(x) + fromValue(y)), nil
		case n.Op == syntax.STAR && (xs || ys):
			return nil, unsupportedConstruct(e.expr, "string repetition")
		}
		return e.check(starlark.Binary(n.Op, x, y))
	}
	return nil, unsupportedConstruct(e.expr, fmt.Sprintf("%T", n))
}

func (e *evaluation) check(v starlark.Value, err error) (starlark.Value, error) {
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindUnsupportedFormat, fmt.Sprintf("cannot evaluate %q", e.expr), err)
	}
	if s, ok := v.(starlark.String); ok && len(s) > MaxResultLength {
		return nil, e.tooLarge()
	}
	return v, nil
}

func (e *evaluation) tooLarge() error {
	return errdefs.Newf(errdefs.KindUnsupportedValue,
		"expression %q yields more than %d bytes", e.expr, MaxResultLength)
}

// FreeVariables returns the variable names referenced by every placeholder
// in template, in first-use order.
func (ev *Evaluator) FreeVariables(template string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string
	for _, m := range templatePattern.FindAllStringSubmatch(template, -1) {
		_, exprNames, err := ev.parse(m[1])
		if err != nil {
			return nil, err
		}
		for _, n := range exprNames {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return names, nil
}

// parse parses expr and checks it against the allowed grammar, returning
// the referenced identifiers.
func (ev *Evaluator) parse(expr string) (syntax.Expr, []string, error) {
	src := strings.TrimSpace(expr)
	if src == "" {
		return nil, nil, errdefs.New(errdefs.KindUnsupportedFormat, "empty template expression")
	}

	parsed, err := syntax.ParseExpr("template", src, 0)
	if err != nil {
		return nil, nil, errdefs.Wrap(errdefs.KindUnsupportedFormat,
			fmt.Sprintf("invalid expression %q", src), err)
	}

	var (
		names   []string
		seen    = make(map[string]bool)
		walkErr error
	)
	syntax.Walk(parsed, func(n syntax.Node) bool {
		if walkErr != nil {
			return false
		}
		switch n := n.(type) {
		case nil:
		case *syntax.Ident:
			if !seen[n.Name] {
				seen[n.Name] = true
				names = append(names, n.Name)
			}
		case *syntax.Literal:
			if n.Token == syntax.BYTES {
				walkErr = unsupportedConstruct(src, "bytes literal")
			}
		case *syntax.ParenExpr:
		case *syntax.UnaryExpr:
			if n.Op != syntax.MINUS && n.Op != syntax.PLUS {
				walkErr = unsupportedConstruct(src, "operator "+n.Op.String())
			}
		case *syntax.BinaryExpr:
			switch n.Op {
			case syntax.PLUS, syntax.MINUS, syntax.STAR, syntax.SLASH, syntax.SLASHSLASH, syntax.PERCENT:
			default:
				walkErr = unsupportedConstruct(src, "operator "+n.Op.String())
			}
		default:
			walkErr = unsupportedConstruct(src, fmt.Sprintf("%T", n))
		}
		return walkErr == nil
	})
	if walkErr != nil {
		return nil, nil, walkErr
	}

	return parsed, names, nil
}

func unsupportedConstruct(expr, what string) error {
	return errdefs.Newf(errdefs.KindUnsupportedFormat,
		"expression %q uses %s; only literals, variables, arithmetic and concatenation are allowed", expr, what)
}

// toValue maps a variable to a number when it looks like one.
func toValue(raw string) starlark.Value {
	if numberPattern.MatchString(raw) {
		if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return starlark.MakeInt64(i)
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return starlark.Float(f)
		}
	}
	return starlark.String(raw)
}

func fromValue(v starlark.Value) string {
	switch v := v.(type) {
	case starlark.String:
		return string(v)
	case starlark.Float:
		return strconv.FormatFloat(float64(v), 'f', -1, 64)
	case starlark.NoneType:
		return ""
	default:
		return v.String()
	}
}
