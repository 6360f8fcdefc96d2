package validation

import (
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/pkg/schema"
)

const (
	minLoopIterations = 1
	maxLoopIterations = 10000
	maxDelaySeconds   = 3600
)

// cronParser accepts standard 5-field expressions plus the optional leading
// seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validateConfigs decodes and checks each enabled node's type-specific
// configuration. Expression syntax and security are the concern of the
// security stage; this stage checks required fields, value bounds, cron
// shape, and URL shape.
func validateConfigs(def *schema.WorkflowDefinition) *schema.ValidationResult {
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
		validateNodeConfig(node, result)
	}

	return result
}

func validateNodeConfig(node *schema.WorkflowNode, result *schema.ValidationResult) {
	switch node.Type {
	case schema.NodeTriggerSchedule:
		var cfg schema.ScheduleTriggerConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.CronExpression != "" {
			if _, err := cronParser.Parse(cfg.CronExpression); err != nil {
				result.AddNodeError(node.ID, schema.ErrCodeValidation,
					fmt.Sprintf("invalid cron expression %q: %s", cfg.CronExpression, err.Error()))
			}
		}
		if cfg.Timezone != "" {
			if _, err := time.LoadLocation(cfg.Timezone); err != nil {
				result.AddNodeError(node.ID, schema.ErrCodeValidation,
					fmt.Sprintf("unknown timezone %q", cfg.Timezone))
			}
		}

	case schema.NodeTriggerCommand:
		var cfg schema.CommandTriggerConfig
		if decode(node, &cfg, result) && cfg.Command == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "command trigger requires a command")
		}

	case schema.NodeTriggerEvent:
		var cfg schema.EventTriggerConfig
		if decode(node, &cfg, result) && cfg.EventType == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "event trigger requires an event_type")
		}

	case schema.NodeConditionIf:
		var cfg schema.IfConfig
		if decode(node, &cfg, result) {
			validateRules(node.ID, cfg.Rules, result)
		}

	case schema.NodeConditionSwitch:
		var cfg schema.SwitchConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.Variable == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "switch requires a variable")
		}
		if len(cfg.Cases) == 0 {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "switch requires at least one case")
		}

	case schema.NodeConditionFilter:
		var cfg schema.FilterConfig
		if decode(node, &cfg, result) {
			validateRules(node.ID, cfg.Rules, result)
		}

	case schema.NodeActionModule:
		var cfg schema.ModuleActionConfig
		if decode(node, &cfg, result) && cfg.Module == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "module action requires a module name")
		}

	case schema.NodeActionWebhook:
		var cfg schema.WebhookActionConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.URL == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "webhook action requires a url")
		} else {
			validateWebhookURL(node.ID, cfg.URL, result)
		}

	case schema.NodeActionChatMessage:
		var cfg schema.ChatMessageConfig
		if decode(node, &cfg, result) && cfg.Message == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "chat message action requires a message")
		}

	case schema.NodeActionBrowserSource:
		var cfg schema.BrowserSourceConfig
		if decode(node, &cfg, result) && cfg.SourceName == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "browser source action requires a source_name")
		}

	case schema.NodeActionDelay:
		var cfg schema.DelayConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.DurationSeconds <= 0 {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "delay requires a positive duration_seconds")
		} else if cfg.DurationSeconds > maxDelaySeconds {
			result.AddWarning("nodes/"+node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("delay of %.0fs holds the run open for over an hour", cfg.DurationSeconds))
		}

	case schema.NodeDataTransform:
		var cfg schema.TransformConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.Expression == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "transform requires an expression")
		}
		if cfg.OutputVariable == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "transform requires an output_variable")
		}
		switch cfg.Language {
		case "", schema.TransformExpr, schema.TransformJQ:
		default:
			result.AddNodeError(node.ID, schema.ErrCodeValidation,
				fmt.Sprintf("unknown transform language %q", cfg.Language))
		}

	case schema.NodeDataVariableSet:
		var cfg schema.VariableSetConfig
		if decode(node, &cfg, result) && cfg.Name == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "variable set requires a name")
		}

	case schema.NodeDataVariableGet:
		var cfg schema.VariableGetConfig
		if decode(node, &cfg, result) && cfg.Name == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "variable get requires a name")
		}

	case schema.NodeLoopForEach:
		var cfg schema.ForEachConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.ArrayVariable == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "foreach requires an array_variable")
		}
		validateMaxIterations(node.ID, cfg.MaxIterations, result)

	case schema.NodeLoopWhile:
		var cfg schema.WhileConfig
		if !decode(node, &cfg, result) {
			return
		}
		if cfg.Condition == "" {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "while loop requires a condition")
		}
		validateMaxIterations(node.ID, cfg.MaxIterations, result)

	case schema.NodeFlowParallel:
		var cfg schema.ParallelConfig
		if decode(node, &cfg, result) && cfg.TimeoutSeconds < 0 {
			result.AddNodeError(node.ID, schema.ErrCodeValidation, "parallel timeout_seconds must not be negative")
		}
	}
}

func decode(node *schema.WorkflowNode, cfg any, result *schema.ValidationResult) bool {
	if err := node.DecodeConfig(cfg); err != nil {
		result.AddNodeError(node.ID, schema.ErrCodeValidation, err.Error())
		return false
	}
	return true
}

func validateRules(nodeID string, rules []schema.ConditionRule, result *schema.ValidationResult) {
	if len(rules) == 0 {
		result.AddNodeError(nodeID, schema.ErrCodeValidation, "condition requires at least one rule")
		return
	}
	for i, rule := range rules {
		if rule.Variable == "" {
			result.AddNodeError(nodeID, schema.ErrCodeValidation,
				fmt.Sprintf("rule %d has no variable", i))
		}
		switch rule.Operator {
		case schema.OpEquals, schema.OpNotEquals, schema.OpGreaterThan, schema.OpLessThan, schema.OpContains:
		default:
			result.AddNodeError(nodeID, schema.ErrCodeValidation,
				fmt.Sprintf("rule %d has unknown operator %q", i, rule.Operator))
		}
	}
}

// validateWebhookURL accepts http(s) URLs. Template spans are resolved at
// run time, so a URL containing {{...}} is only scanned by the security
// stage here.
func validateWebhookURL(nodeID, raw string, result *schema.ValidationResult) {
	if containsTemplateSpan(raw) {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result.AddNodeError(nodeID, schema.ErrCodeValidation,
			fmt.Sprintf("webhook url %q is not a valid http(s) URL", raw))
	}
}

func validateMaxIterations(nodeID string, n int, result *schema.ValidationResult) {
	if n == 0 {
		return
	}
	if n < minLoopIterations || n > maxLoopIterations {
		result.AddNodeError(nodeID, schema.ErrCodeValidation,
			fmt.Sprintf("max_iterations %d outside [%d, %d]", n, minLoopIterations, maxLoopIterations))
	}
}
