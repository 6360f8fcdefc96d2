package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/loomhq/loom/pkg/schema"
)

// Transformer implements the Engine interface using gojq for JSON data
// transformation. Data-transform nodes with language "jq" run their program
// against the execution variables as the input object. Thread-safe:
// compiled *Code objects are cached and reused across goroutines.
type Transformer struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformer creates a new jq transform engine.
func NewTransformer() *Transformer {
	return &Transformer{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (t *Transformer) Name() string {
	return "jq"
}

// Evaluate compiles (or retrieves from cache) a jq program and evaluates it
// against vars as the input object. Integer values are normalized to
// float64 first, matching jq's native number handling.
//
// jq programs can produce multiple outputs. When there is exactly one
// output it is returned directly; multiple outputs are collected into a
// []any.
func (t *Transformer) Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeSyntax, "empty jq program")
	}

	code, err := t.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	input, ok := normalizeForJQ(vars).(map[string]any)
	if !ok {
		input = map[string]any{}
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Validate parses and compiles a jq program without running it. Used by the
// workflow validator at authoring time.
func (t *Transformer) Validate(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeSyntax, "empty jq program")
	}
	_, err := t.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one.
func (t *Transformer) getOrCompile(expression string) (*gojq.Code, error) {
	t.mu.RLock()
	if code, ok := t.cache[expression]; ok {
		t.mu.RUnlock()
		return code, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := t.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSyntax,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSyntax,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	t.cache[expression] = code
	return code, nil
}

// normalizeForJQ converts Go native integer types to float64, which is how
// jq represents all numbers.
func normalizeForJQ(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = normalizeForJQ(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = normalizeForJQ(v)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var (
	_ Engine = (*Transformer)(nil)
	_ Engine = (*Sandbox)(nil)
)
