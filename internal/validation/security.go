package validation

import (
	"sort"
	"strings"

	"github.com/loomhq/loom/internal/expressions"
	"github.com/loomhq/loom/pkg/schema"
)

// expressionChecker is the subset of the sandbox the security stage needs.
type expressionChecker interface {
	Validate(expression string) error
}

// validateSecurity scans every user-authored expression and template field
// for forbidden constructs and syntax errors. Standalone expressions are
// fully parsed; template strings have each {{...}} span parsed and the
// whole string deny-list scanned.
func validateSecurity(def *schema.WorkflowDefinition, sandbox, transformer expressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	ids := make([]string, 0, len(def.Nodes))
	for id := range def.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		node := def.Nodes[id]
		if !node.Enabled {
			continue
		}
		scanNode(node, sandbox, transformer, result)
	}

	for _, conn := range def.Connections {
		if conn.Conditional != "" {
			if err := sandbox.Validate(conn.Conditional); err != nil {
				result.AddError("connections/"+conn.ID, errCode(err), err.Error())
			}
		}
	}

	return result
}

func scanNode(node *schema.WorkflowNode, sandbox, transformer expressionChecker, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeLoopWhile:
		var cfg schema.WhileConfig
		if node.DecodeConfig(&cfg) == nil && cfg.Condition != "" {
			checkExpression(node.ID, cfg.Condition, sandbox, result)
		}

	case schema.NodeDataTransform:
		var cfg schema.TransformConfig
		if node.DecodeConfig(&cfg) != nil || cfg.Expression == "" {
			return
		}
		if cfg.Language == schema.TransformJQ {
			if err := expressions.SecurityScan(cfg.Expression); err != nil {
				result.AddNodeError(node.ID, schema.ErrCodeSecurity, err.Error())
			} else if err := transformer.Validate(cfg.Expression); err != nil {
				result.AddNodeError(node.ID, errCode(err), err.Error())
			}
		} else {
			checkExpression(node.ID, cfg.Expression, sandbox, result)
		}

	case schema.NodeActionWebhook:
		var cfg schema.WebhookActionConfig
		if node.DecodeConfig(&cfg) != nil {
			return
		}
		checkTemplate(node.ID, cfg.URL, sandbox, result)
		checkTemplate(node.ID, cfg.Body, sandbox, result)
		for _, v := range cfg.Headers {
			checkTemplate(node.ID, v, sandbox, result)
		}

	case schema.NodeActionChatMessage:
		var cfg schema.ChatMessageConfig
		if node.DecodeConfig(&cfg) == nil {
			checkTemplate(node.ID, cfg.Message, sandbox, result)
		}

	case schema.NodeDataVariableSet:
		var cfg schema.VariableSetConfig
		if node.DecodeConfig(&cfg) == nil {
			if s, ok := cfg.Value.(string); ok {
				checkTemplate(node.ID, s, sandbox, result)
			}
		}

	case schema.NodeActionModule:
		var cfg schema.ModuleActionConfig
		if node.DecodeConfig(&cfg) == nil {
			scanParams(node.ID, cfg.Params, sandbox, result)
		}
	}
}

// checkExpression parses a standalone expression.
func checkExpression(nodeID, expression string, sandbox expressionChecker, result *schema.ValidationResult) {
	if err := sandbox.Validate(expression); err != nil {
		result.AddNodeError(nodeID, errCode(err), err.Error())
	}
}

// checkTemplate deny-list scans the whole string, then parses each
// {{...}} span as an expression.
func checkTemplate(nodeID, template string, sandbox expressionChecker, result *schema.ValidationResult) {
	if template == "" {
		return
	}
	if err := expressions.SecurityScan(template); err != nil {
		result.AddNodeError(nodeID, schema.ErrCodeSecurity, err.Error())
		return
	}
	for _, span := range templateSpans(template) {
		if err := sandbox.Validate(span); err != nil {
			result.AddNodeError(nodeID, errCode(err), err.Error())
		}
	}
}

// scanParams recursively scans string values of a params tree as templates.
func scanParams(nodeID string, value any, sandbox expressionChecker, result *schema.ValidationResult) {
	switch v := value.(type) {
	case string:
		checkTemplate(nodeID, v, sandbox, result)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			scanParams(nodeID, v[k], sandbox, result)
		}
	case []any:
		for _, item := range v {
			scanParams(nodeID, item, sandbox, result)
		}
	}
}

// templateSpans extracts the expression inside every complete {{...}} span.
func templateSpans(template string) []string {
	var spans []string
	rest := template
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			return spans
		}
		rest = rest[open+2:]
		closeIdx := strings.Index(rest, "}}")
		if closeIdx < 0 {
			return spans
		}
		if span := strings.TrimSpace(rest[:closeIdx]); span != "" {
			spans = append(spans, span)
		}
		rest = rest[closeIdx+2:]
	}
}

// containsTemplateSpan reports whether the string holds at least one
// complete {{...}} span.
func containsTemplateSpan(s string) bool {
	open := strings.Index(s, "{{")
	return open >= 0 && strings.Contains(s[open+2:], "}}")
}

func errCode(err error) string {
	var serr *schema.Error
	if schema.AsError(err, &serr) {
		return serr.Code
	}
	return schema.ErrCodeValidation
}
