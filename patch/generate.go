package patch

import (
	"github.com/songzhibin97/dataflow-engine/types"
)

// DelErrorPatches clears the workflow error message and every node error.
func DelErrorPatches(wf types.ProjectWorkflow) []Patch {
	out := []Patch{WorkflowError(nil)}
	for i := range wf.Nodes {
		out = append(out, NodeErrorPatch(i, nil))
	}
	return out
}

// DelSchemaDataPatches clears schema_out and data_out of every node.
func DelSchemaDataPatches(wf types.ProjectWorkflow) []Patch {
	out := make([]Patch, 0, 2*len(wf.Nodes))
	for i := range wf.Nodes {
		out = append(out, SchemaOut(i, nil), DataOut(i, nil))
	}
	return out
}

// DelRunningTimePatches clears every node running time.
func DelRunningTimePatches(wf types.ProjectWorkflow) []Patch {
	out := make([]Patch, 0, len(wf.Nodes))
	for i := range wf.Nodes {
		out = append(out, RunningTime(i, nil))
	}
	return out
}

// DelDataPatches clears schema_out and data_out of the given nodes.
func DelDataPatches(wf types.ProjectWorkflow, ids ...string) []Patch {
	var out []Patch
	for _, id := range ids {
		if i, ok := wf.NodeIndex(id); ok {
			out = append(out, SchemaOut(i, nil), DataOut(i, nil))
		}
	}
	return out
}

// SchemaOut sets nodes[i].schema_out. A nil map is written as an empty object.
func SchemaOut(i int, schemas map[string]types.Schema) Patch {
	if schemas == nil {
		schemas = map[string]types.Schema{}
	}
	return New(schemas, "nodes", i, "schema_out")
}

// DataOut sets nodes[i].data_out. A nil map is written as an empty object.
func DataOut(i int, refs map[string]types.DataRef) Patch {
	if refs == nil {
		refs = map[string]types.DataRef{}
	}
	return New(refs, "nodes", i, "data_out")
}

// RunningTime sets nodes[i].runningtime in milliseconds.
func RunningTime(i int, ms *float64) Patch {
	if ms == nil {
		return New(nil, "nodes", i, "runningtime")
	}
	return New(*ms, "nodes", i, "runningtime")
}

// NodeErrorPatch sets nodes[i].error.
func NodeErrorPatch(i int, e *types.NodeError) Patch {
	if e == nil {
		return New(nil, "nodes", i, "error")
	}
	return New(e, "nodes", i, "error")
}

// Hint sets nodes[i].hint.
func Hint(i int, hint map[string]any) Patch {
	if hint == nil {
		hint = map[string]any{}
	}
	return New(hint, "nodes", i, "hint")
}

// WorkflowError sets the global error message.
func WorkflowError(msg *string) Patch {
	if msg == nil {
		return New(nil, "error_message")
	}
	return New(*msg, "error_message")
}
