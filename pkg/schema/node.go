package schema

import (
	"encoding/json"
	"strings"
)

// NodeType enumerates every node kind the engine knows how to walk.
// The set is closed: the validator and the engine both dispatch over it
// exhaustively, so adding a variant means touching both tables.
type NodeType string

const (
	NodeTriggerCommand  NodeType = "trigger-command"
	NodeTriggerEvent    NodeType = "trigger-event"
	NodeTriggerWebhook  NodeType = "trigger-webhook"
	NodeTriggerSchedule NodeType = "trigger-schedule"

	NodeConditionIf     NodeType = "condition-if"
	NodeConditionSwitch NodeType = "condition-switch"
	NodeConditionFilter NodeType = "condition-filter"

	NodeActionModule        NodeType = "action-module"
	NodeActionWebhook       NodeType = "action-webhook"
	NodeActionChatMessage   NodeType = "action-chat-message"
	NodeActionBrowserSource NodeType = "action-browser-source"
	NodeActionDelay         NodeType = "action-delay"

	NodeDataTransform   NodeType = "data-transform"
	NodeDataVariableSet NodeType = "data-variable-set"
	NodeDataVariableGet NodeType = "data-variable-get"

	NodeLoopForEach NodeType = "loop-foreach"
	NodeLoopWhile   NodeType = "loop-while"
	NodeLoopBreak   NodeType = "loop-break"

	NodeFlowMerge    NodeType = "flow-merge"
	NodeFlowParallel NodeType = "flow-parallel"
	NodeFlowEnd      NodeType = "flow-end"
)

// AllNodeTypes lists every recognized node type.
var AllNodeTypes = []NodeType{
	NodeTriggerCommand, NodeTriggerEvent, NodeTriggerWebhook, NodeTriggerSchedule,
	NodeConditionIf, NodeConditionSwitch, NodeConditionFilter,
	NodeActionModule, NodeActionWebhook, NodeActionChatMessage,
	NodeActionBrowserSource, NodeActionDelay,
	NodeDataTransform, NodeDataVariableSet, NodeDataVariableGet,
	NodeLoopForEach, NodeLoopWhile, NodeLoopBreak,
	NodeFlowMerge, NodeFlowParallel, NodeFlowEnd,
}

// Known reports whether t is a recognized node type.
func (t NodeType) Known() bool {
	for _, known := range AllNodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsTrigger reports whether the node type starts a run.
func (t NodeType) IsTrigger() bool {
	return strings.HasPrefix(string(t), "trigger-")
}

// IsCondition reports whether the node type branches the walk.
func (t NodeType) IsCondition() bool {
	return strings.HasPrefix(string(t), "condition-")
}

// IsAction reports whether the node type dispatches to the external executor.
func (t NodeType) IsAction() bool {
	return strings.HasPrefix(string(t), "action-")
}

// IsLoop reports whether the node type is a loop construct. Cycles through
// a loop node are the only cycles the validator accepts.
func (t NodeType) IsLoop() bool {
	return t == NodeLoopForEach || t == NodeLoopWhile
}

// DataType describes the payload flowing through a port.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeObject  DataType = "object"
	DataTypeArray   DataType = "array"
	DataTypeAny     DataType = "any"
)

// CompatibleWith implements the loose structural compatibility rule used
// when validating connections: identical types, `any` on either side, or
// both sides structured (object/array).
func (d DataType) CompatibleWith(other DataType) bool {
	if d == other || d == DataTypeAny || other == DataTypeAny {
		return true
	}
	structured := func(t DataType) bool { return t == DataTypeObject || t == DataTypeArray }
	return structured(d) && structured(other)
}

// Port is a named connection point on a node.
type Port struct {
	Name     string   `json:"name"`
	DataType DataType `json:"data_type"`
}

// Position is editor metadata, opaque to the engine.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowNode is a node instance inside a workflow definition. The
// type-specific configuration stays raw until a handler decodes it into
// the matching config struct below.
type WorkflowNode struct {
	ID          string          `json:"node_id"`
	Type        NodeType        `json:"node_type"`
	Label       string          `json:"label,omitempty"`
	Position    Position        `json:"position"`
	Enabled     bool            `json:"enabled"`
	InputPorts  []Port          `json:"input_ports,omitempty"`
	OutputPorts []Port          `json:"output_ports,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// HasOutputPort reports whether the node declares an output port with the given name.
func (n *WorkflowNode) HasOutputPort(name string) bool {
	for _, p := range n.OutputPorts {
		if p.Name == name {
			return true
		}
	}
	return false
}

// HasInputPort reports whether the node declares an input port with the given name.
func (n *WorkflowNode) HasInputPort(name string) bool {
	for _, p := range n.InputPorts {
		if p.Name == name {
			return true
		}
	}
	return false
}

// DecodeConfig unmarshals the node's raw config into the given config struct.
func (n *WorkflowNode) DecodeConfig(v any) error {
	if len(n.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(n.Config, v); err != nil {
		return NewErrorf(ErrCodeValidation, "node %s: invalid %s config: %s", n.ID, n.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return nil
}

// --- Per-type configuration payloads (closed tagged union over NodeType) ---

// ScheduleTriggerConfig configures a trigger-schedule node.
type ScheduleTriggerConfig struct {
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// CommandTriggerConfig configures a trigger-command node.
type CommandTriggerConfig struct {
	Command string `json:"command"`
}

// EventTriggerConfig configures a trigger-event node.
type EventTriggerConfig struct {
	EventType string `json:"event_type"`
}

// WebhookTriggerConfig configures a trigger-webhook node.
type WebhookTriggerConfig struct {
	Path   string `json:"path,omitempty"`
	Secret string `json:"secret,omitempty"`
}

// ConditionOperator is the comparison applied by a single condition rule.
type ConditionOperator string

const (
	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not-equals"
	OpGreaterThan ConditionOperator = "greater-than"
	OpLessThan    ConditionOperator = "less-than"
	OpContains    ConditionOperator = "contains"
)

// ConditionRule compares a context variable against a literal value.
type ConditionRule struct {
	Variable string            `json:"variable"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

// IfConfig configures a condition-if node. Rules combine with implicit AND.
type IfConfig struct {
	Rules     []ConditionRule `json:"rules"`
	TruePort  string          `json:"true_port,omitempty"`
	FalsePort string          `json:"false_port,omitempty"`
}

// SwitchConfig configures a condition-switch node: the stringified value of
// Variable selects an output port from Cases, else DefaultPort.
type SwitchConfig struct {
	Variable    string            `json:"variable"`
	Cases       map[string]string `json:"cases"`
	DefaultPort string            `json:"default_port,omitempty"`
}

// FilterConfig configures a condition-filter node: the walk continues past
// the node only when every rule matches.
type FilterConfig struct {
	Rules []ConditionRule `json:"rules"`
}

// ModuleActionConfig configures an action-module node.
type ModuleActionConfig struct {
	Module    string         `json:"module"`
	Operation string         `json:"operation,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// WebhookActionConfig configures an action-webhook node. URL and body
// support {{...}} template substitution.
type WebhookActionConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// ChatMessageConfig configures an action-chat-message node.
type ChatMessageConfig struct {
	Message  string `json:"message"`
	Platform string `json:"platform,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// BrowserSourceConfig configures an action-browser-source node.
type BrowserSourceConfig struct {
	SourceName string         `json:"source_name"`
	Action     string         `json:"action,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

// DelayConfig configures an action-delay node.
type DelayConfig struct {
	DurationSeconds float64 `json:"duration_seconds"`
}

// TransformLanguage selects the engine evaluating a data-transform node.
type TransformLanguage string

const (
	TransformExpr TransformLanguage = "expr"
	TransformJQ   TransformLanguage = "jq"
)

// TransformConfig configures a data-transform node: Expression is evaluated
// against the variable context and the result stored under OutputVariable.
type TransformConfig struct {
	Expression     string            `json:"expression"`
	Language       TransformLanguage `json:"language,omitempty"`
	OutputVariable string            `json:"output_variable"`
}

// VariableSetConfig configures a data-variable-set node. Value is a template
// string; {{...}} spans are substituted before assignment.
type VariableSetConfig struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// VariableGetConfig configures a data-variable-get node.
type VariableGetConfig struct {
	Name           string `json:"name"`
	OutputVariable string `json:"output_variable,omitempty"`
	Default        any    `json:"default,omitempty"`
}

// ForEachConfig configures a loop-foreach node.
type ForEachConfig struct {
	ArrayVariable string `json:"array_variable"`
	ItemVariable  string `json:"item_variable,omitempty"`
	IndexVariable string `json:"index_variable,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// WhileConfig configures a loop-while node. Condition is an expression in
// the sandboxed expression language.
type WhileConfig struct {
	Condition     string `json:"condition"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// ParallelConfig configures a flow-parallel node.
type ParallelConfig struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

// ActionTimeout is the declared per-node timeout an action node races against.
type ActionTimeout struct {
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}
