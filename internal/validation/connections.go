package validation

import (
	"fmt"

	"github.com/loomhq/loom/pkg/schema"
)

// validateConnections checks every connection's endpoints and ports.
// Missing endpoints and missing declared ports are hard errors; data-type
// mismatches are warnings because the engine coerces at run time.
func validateConnections(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i, conn := range def.Connections {
		path := fmt.Sprintf("connections[%d]", i)

		from, fromOK := def.Nodes[conn.FromNodeID]
		if !fromOK {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("connection %q references non-existent source node %q", conn.ID, conn.FromNodeID))
		}
		to, toOK := def.Nodes[conn.ToNodeID]
		if !toOK {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("connection %q references non-existent target node %q", conn.ID, conn.ToNodeID))
		}
		if !fromOK || !toOK {
			continue
		}

		if conn.FromNodeID == conn.ToNodeID && !from.Type.IsLoop() {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("connection %q loops node %q back to itself", conn.ID, conn.FromNodeID))
		}

		// Port names are checked only against declared ports. A node with
		// no declared ports accepts any name.
		if conn.FromPort != "" && len(from.OutputPorts) > 0 && !from.HasOutputPort(conn.FromPort) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("connection %q uses unknown output port %q on node %q", conn.ID, conn.FromPort, from.ID))
		}
		if conn.ToPort != "" && len(to.InputPorts) > 0 && !to.HasInputPort(conn.ToPort) {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("connection %q uses unknown input port %q on node %q", conn.ID, conn.ToPort, to.ID))
		}

		if from.Type.IsTrigger() || to.Type.IsTrigger() {
			if to.Type.IsTrigger() {
				result.AddWarning(path, schema.ErrCodeValidation,
					fmt.Sprintf("connection %q targets trigger %q; triggers only start runs", conn.ID, to.ID))
			}
		}

		checkPortTypes(path, conn, from, to, result)
	}

	// Trigger sanity: a trigger with no declared output port cannot be
	// wired in an editor, though the engine still walks its connections.
	for _, id := range def.TriggerNodes() {
		if len(def.Nodes[id].OutputPorts) == 0 {
			result.AddWarning("nodes/"+id, schema.ErrCodeValidation,
				fmt.Sprintf("trigger %q declares no output ports", id))
		}
	}

	return result
}

func checkPortTypes(path string, conn *schema.WorkflowConnection, from, to *schema.WorkflowNode, result *schema.ValidationResult) {
	fromType, ok := portType(from.OutputPorts, conn.FromPort)
	if !ok {
		return
	}
	toType, ok := portType(to.InputPorts, conn.ToPort)
	if !ok {
		return
	}
	if !fromType.CompatibleWith(toType) {
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("connection %q carries %s into a %s port", conn.ID, fromType, toType))
	}
}

func portType(ports []schema.Port, name string) (schema.DataType, bool) {
	for _, p := range ports {
		if p.Name == name {
			if p.DataType == "" {
				return schema.DataTypeAny, true
			}
			return p.DataType, true
		}
	}
	return "", false
}
