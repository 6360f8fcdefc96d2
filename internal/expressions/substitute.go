package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/loomhq/loom/pkg/schema"
)

// Substitute replaces every {{expression}} span in template with the result
// of evaluating the expression against vars. Results are stringified; maps
// and lists render as compact JSON. A template that is exactly one span
// still returns a string. The first failing span aborts substitution and
// the error names the offending span.
func (s *Sandbox) Substitute(ctx context.Context, template string, vars map[string]any) (string, error) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}

	var b strings.Builder
	b.Grow(len(template))

	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:open])
		rest = rest[open+2:]

		closeIdx := strings.Index(rest, "}}")
		if closeIdx < 0 {
			// Unterminated span, keep the literal braces.
			b.WriteString("{{")
			b.WriteString(rest)
			return b.String(), nil
		}

		expression := strings.TrimSpace(rest[:closeIdx])
		rest = rest[closeIdx+2:]

		if expression == "" {
			continue
		}

		out, err := s.Evaluate(ctx, expression, vars)
		if err != nil {
			var serr *schema.Error
			code := schema.ErrCodeEvaluation
			if schema.AsError(err, &serr) {
				code = serr.Code
			}
			return "", schema.NewErrorf(code,
				"substitution failed at {{%s}}: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"template": template, "span": expression})
		}
		b.WriteString(Stringify(out))
	}
}

// SubstituteStructure walks an arbitrary decoded-JSON structure and applies
// Substitute to every string it contains. Maps and slices are rebuilt;
// non-string leaves pass through untouched.
func (s *Sandbox) SubstituteStructure(ctx context.Context, value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return s.Substitute(ctx, v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := s.SubstituteStructure(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := s.SubstituteStructure(ctx, item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// Stringify renders an evaluation result for template output. Floats that
// hold whole numbers drop the decimal point; composites render as compact
// JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", val)
	}
}
