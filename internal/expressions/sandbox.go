// Package expressions implements the restricted expression language used
// inside node configuration: sandboxed evaluation over the run's variable
// context, {{...}} template substitution, and jq transforms. Expressions
// are compiled with a fixed builtin table and never reach host-language
// evaluation facilities.
package expressions

import (
	"context"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"

	"github.com/loomhq/loom/pkg/schema"
)

// Engine evaluates expressions within node configuration. Two
// implementations: the Sandbox (default) and the jq Transformer.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}

// denyPatterns is the explicit deny-list of dangerous constructs, checked
// before any expression is compiled. Matches are SECURITY_ERROR regardless
// of whether the construct would even parse.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`__\w+__`),
	regexp.MustCompile(`\bimport\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`\bcompile\s*\(`),
	regexp.MustCompile(`\bgetattr\b`),
	regexp.MustCompile(`\bsetattr\b`),
	regexp.MustCompile(`\bdelattr\b`),
	regexp.MustCompile(`\bglobals\s*\(`),
	regexp.MustCompile(`\blocals\s*\(`),
	regexp.MustCompile(`\bopen\s*\(`),
	regexp.MustCompile(`\bsubprocess\b`),
	regexp.MustCompile(`\bos\s*\.\s*(system|environ|popen|getenv)\b`),
	regexp.MustCompile(`\bsyscall\b`),
	regexp.MustCompile(`\breflect\s*\.`),
	regexp.MustCompile(`\bunsafe\s*\.`),
}

// Sandbox evaluates expressions against a variable context using a
// restricted grammar: literals, name and attribute/index access, arithmetic,
// comparison, boolean logic, collection construction, and calls limited to
// the builtin table below. Safe for concurrent use.
type Sandbox struct {
	builtins []expr.Option
}

// NewSandbox creates a Sandbox with the fixed builtin function table.
func NewSandbox() *Sandbox {
	return &Sandbox{builtins: builtinOptions()}
}

// Name returns the engine identifier.
func (s *Sandbox) Name() string {
	return "expr"
}

// Evaluate parses and evaluates an expression against vars. Nested maps and
// slices in vars resolve through both dotted and indexed access. Unknown
// variables, type mismatches, and runtime failures are EVALUATION_ERROR;
// malformed expressions are SYNTAX_ERROR; deny-list hits are SECURITY_ERROR.
func (s *Sandbox) Evaluate(_ context.Context, expression string, vars map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeSyntax, "empty expression")
	}
	if err := s.scan(expression); err != nil {
		return nil, err
	}

	env := vars
	if env == nil {
		env = map[string]any{}
	}

	opts := append([]expr.Option{expr.Env(env), expr.DisableAllBuiltins()}, s.builtins...)

	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, classifyCompileError(expression, err)
	}

	out, err := expr.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Validate parses an expression and runs the security scan without
// evaluating it. Variable names are not resolvable at validation time, so
// unknown identifiers are allowed here; only grammar and the deny-list are
// enforced. Used by the workflow validator at authoring time.
func (s *Sandbox) Validate(expression string) error {
	if strings.TrimSpace(expression) == "" {
		return schema.NewError(schema.ErrCodeSyntax, "empty expression")
	}
	if err := s.scan(expression); err != nil {
		return err
	}

	opts := append([]expr.Option{
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.DisableAllBuiltins(),
	}, s.builtins...)

	if _, err := expr.Compile(expression, opts...); err != nil {
		return classifyCompileError(expression, err)
	}
	return nil
}

// EvaluateBool evaluates an expression and coerces the result to a boolean
// using the same loose rules as the bool() builtin.
func (s *Sandbox) EvaluateBool(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	out, err := s.Evaluate(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	b, err := coerceBool(out)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q: %s", expression, err.Error()).WithCause(err)
	}
	return b, nil
}

// scan applies the deny-list before compilation.
func (s *Sandbox) scan(expression string) error {
	return SecurityScan(expression)
}

// SecurityScan checks a raw string against the deny-list without parsing
// it. The validator runs it over every expression-bearing field, including
// template strings whose spans are not standalone expressions.
func SecurityScan(value string) error {
	for _, pat := range denyPatterns {
		if loc := pat.FindString(value); loc != "" {
			return schema.NewErrorf(schema.ErrCodeSecurity,
				"expression contains forbidden construct %q", loc).
				WithDetails(map[string]any{"expression": value, "match": loc})
		}
	}
	return nil
}

// classifyCompileError splits compile failures into unknown-variable
// (evaluation) errors and genuine syntax errors.
func classifyCompileError(expression string, err error) *schema.Error {
	msg := err.Error()
	if strings.Contains(msg, "unknown name") || strings.Contains(msg, "undefined") {
		return schema.NewErrorf(schema.ErrCodeEvaluation,
			"unknown variable in %q: %s", expression, msg).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return schema.NewErrorf(schema.ErrCodeSyntax,
		"cannot parse %q: %s", expression, msg).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// builtinOptions registers the fixed allow-list of callable functions. All
// other call targets are rejected at compile time because every host
// builtin is disabled.
func builtinOptions() []expr.Option {
	return []expr.Option{
		// String case and shape.
		fn("upper", func(args ...any) (any, error) { return stringArg(args, "upper", strings.ToUpper) }),
		fn("lower", func(args ...any) (any, error) { return stringArg(args, "lower", strings.ToLower) }),
		fn("capitalize", func(args ...any) (any, error) {
			return stringArg(args, "capitalize", func(v string) string {
				if v == "" {
					return v
				}
				return strings.ToUpper(v[:1]) + v[1:]
			})
		}),
		fn("title", func(args ...any) (any, error) { return stringArg(args, "title", titleCase) }),
		fn("trim", func(args ...any) (any, error) { return stringArg(args, "trim", strings.TrimSpace) }),

		fn("replace", func(args ...any) (any, error) {
			s, old, repl, err := threeStrings(args, "replace")
			if err != nil {
				return nil, err
			}
			return strings.ReplaceAll(s, old, repl), nil
		}),
		fn("split", func(args ...any) (any, error) {
			s, sep, err := twoStrings(args, "split")
			if err != nil {
				return nil, err
			}
			parts := strings.Split(s, sep)
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		}),
		fn("join", func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, argErr("join", "list, string")
			}
			items, ok := args[0].([]any)
			if !ok {
				return nil, argErr("join", "list, string")
			}
			sep, ok := args[1].(string)
			if !ok {
				return nil, argErr("join", "list, string")
			}
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = Stringify(item)
			}
			return strings.Join(parts, sep), nil
		}),
		fn("contains", func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, argErr("contains", "haystack, needle")
			}
			switch hay := args[0].(type) {
			case string:
				needle, ok := args[1].(string)
				if !ok {
					needle = Stringify(args[1])
				}
				return strings.Contains(hay, needle), nil
			case []any:
				for _, item := range hay {
					if looseEqual(item, args[1]) {
						return true, nil
					}
				}
				return false, nil
			default:
				return nil, argErr("contains", "string or list, value")
			}
		}),
		fn("startswith", func(args ...any) (any, error) {
			s, prefix, err := twoStrings(args, "startswith")
			if err != nil {
				return nil, err
			}
			return strings.HasPrefix(s, prefix), nil
		}),
		fn("endswith", func(args ...any) (any, error) {
			s, suffix, err := twoStrings(args, "endswith")
			if err != nil {
				return nil, err
			}
			return strings.HasSuffix(s, suffix), nil
		}),
		fn("find", func(args ...any) (any, error) {
			s, sub, err := twoStrings(args, "find")
			if err != nil {
				return nil, err
			}
			return strings.Index(s, sub), nil
		}),
		fn("count", func(args ...any) (any, error) {
			s, sub, err := twoStrings(args, "count")
			if err != nil {
				return nil, err
			}
			return strings.Count(s, sub), nil
		}),

		// Length and numerics.
		fn("len", func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, argErr("len", "value")
			}
			switch v := args[0].(type) {
			case string:
				return len(v), nil
			case []any:
				return len(v), nil
			case map[string]any:
				return len(v), nil
			default:
				return nil, argErr("len", "string, list, or map")
			}
		}),
		numFn("round", func(v float64) float64 { return math.Round(v) }),
		numFn("floor", math.Floor),
		numFn("ceil", math.Ceil),
		numFn("abs", math.Abs),
		fn("sqrt", func(args ...any) (any, error) {
			v, err := oneNumber(args, "sqrt")
			if err != nil {
				return nil, err
			}
			if v < 0 {
				return nil, schema.NewErrorf(schema.ErrCodeEvaluation, "sqrt of negative number %v", v)
			}
			return math.Sqrt(v), nil
		}),
		fn("min", func(args ...any) (any, error) { return foldNumbers(args, "min", math.Min) }),
		fn("max", func(args ...any) (any, error) { return foldNumbers(args, "max", math.Max) }),
		fn("random", func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, argErr("random", "min, max")
			}
			lo, err1 := toFloat(args[0])
			hi, err2 := toFloat(args[1])
			if err1 != nil || err2 != nil || hi < lo {
				return nil, argErr("random", "min, max with max >= min")
			}
			return int(lo) + rand.IntN(int(hi-lo)+1), nil
		}),

		// Time.
		fn("now", func(args ...any) (any, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		}),
		fn("now_unix", func(args ...any) (any, error) {
			return time.Now().UTC().Unix(), nil
		}),
		fn("now_date", func(args ...any) (any, error) {
			return time.Now().UTC().Format("2006-01-02"), nil
		}),
		fn("now_time", func(args ...any) (any, error) {
			return time.Now().UTC().Format("15:04:05"), nil
		}),

		// Coercion.
		fn("bool", func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, argErr("bool", "value")
			}
			return coerceBool(args[0])
		}),

		expr.Patch(methodCallPatcher{}),
	}
}

// methodForms lists the builtins that may also be written as method calls
// on their first argument, so name.upper() means upper(name) and
// path.split("/") means split(path, "/").
var methodForms = map[string]bool{
	"upper":      true,
	"lower":      true,
	"capitalize": true,
	"title":      true,
	"trim":       true,
	"replace":    true,
	"split":      true,
	"join":       true,
	"contains":   true,
	"startswith": true,
	"endswith":   true,
	"find":       true,
	"count":      true,
}

// methodCallPatcher rewrites method-form calls into the equivalent builtin
// call with the receiver prepended to the arguments. It runs on the parsed
// tree before type checking, so the checker only ever sees the function
// form.
type methodCallPatcher struct{}

func (methodCallPatcher) Visit(node *ast.Node) {
	call, ok := (*node).(*ast.CallNode)
	if !ok {
		return
	}
	member, ok := call.Callee.(*ast.MemberNode)
	if !ok {
		return
	}
	prop, ok := member.Property.(*ast.StringNode)
	if !ok || !methodForms[prop.Value] {
		return
	}
	args := append([]ast.Node{member.Node}, call.Arguments...)
	ast.Patch(node, &ast.CallNode{
		Callee:    &ast.IdentifierNode{Value: prop.Value},
		Arguments: args,
	})
}

func fn(name string, f func(args ...any) (any, error)) expr.Option {
	return expr.Function(name, f)
}

func numFn(name string, f func(float64) float64) expr.Option {
	return fn(name, func(args ...any) (any, error) {
		v, err := oneNumber(args, name)
		if err != nil {
			return nil, err
		}
		return f(v), nil
	})
}

func stringArg(args []any, name string, f func(string) string) (any, error) {
	if len(args) != 1 {
		return nil, argErr(name, "string")
	}
	s, ok := args[0].(string)
	if !ok {
		return nil, argErr(name, "string")
	}
	return f(s), nil
}

func twoStrings(args []any, name string) (string, string, error) {
	if len(args) != 2 {
		return "", "", argErr(name, "string, string")
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	if !ok1 || !ok2 {
		return "", "", argErr(name, "string, string")
	}
	return a, b, nil
}

func threeStrings(args []any, name string) (string, string, string, error) {
	if len(args) != 3 {
		return "", "", "", argErr(name, "string, string, string")
	}
	a, ok1 := args[0].(string)
	b, ok2 := args[1].(string)
	c, ok3 := args[2].(string)
	if !ok1 || !ok2 || !ok3 {
		return "", "", "", argErr(name, "string, string, string")
	}
	return a, b, c, nil
}

func oneNumber(args []any, name string) (float64, error) {
	if len(args) != 1 {
		return 0, argErr(name, "number")
	}
	v, err := toFloat(args[0])
	if err != nil {
		return 0, argErr(name, "number")
	}
	return v, nil
}

func foldNumbers(args []any, name string, f func(float64, float64) float64) (any, error) {
	// Accept either min(a, b, ...) or min([a, b, ...]).
	values := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			values = list
		}
	}
	if len(values) == 0 {
		return nil, argErr(name, "at least one number")
	}
	acc, err := toFloat(values[0])
	if err != nil {
		return nil, argErr(name, "numbers")
	}
	for _, raw := range values[1:] {
		v, err := toFloat(raw)
		if err != nil {
			return nil, argErr(name, "numbers")
		}
		acc = f(acc, v)
	}
	return acc, nil
}

func argErr(name, want string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeEvaluation, "%s() expects (%s)", name, want)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, schema.NewErrorf(schema.ErrCodeEvaluation, "not a number: %T", v)
	}
}

// coerceBool applies loose truthiness: booleans pass through, empty strings
// are true (an unset condition does not block), parseable strings parse,
// numbers are non-zero, nil is false.
func coerceBool(v any) (bool, error) {
	switch val := v.(type) {
	case nil:
		return false, nil
	case bool:
		return val, nil
	case string:
		if val == "" {
			return true, nil
		}
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeEvaluation, "cannot convert string %q to boolean", val)
		}
		return b, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case float64:
		return val != 0, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeEvaluation, "cannot convert %T to boolean", v)
	}
}

func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	af, errA := toFloat(a)
	bf, errB := toFloat(b)
	if errA == nil && errB == nil {
		return af == bf
	}
	return Stringify(a) == Stringify(b)
}

func titleCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if prevSpace {
			b.WriteString(strings.ToUpper(string(r)))
		} else {
			b.WriteString(strings.ToLower(string(r)))
		}
		prevSpace = r == ' ' || r == '\t'
	}
	return b.String()
}
