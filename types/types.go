package types

// DataRef points at a node output persisted outside the workflow document.
type DataRef struct {
	DataID string `json:"data_id"`
}

// NodeError is the structured error attached to a node in the workflow document.
type NodeError struct {
	Kind     string   `json:"kind"` // "parameter", "validation" or "execution"
	Params   []string `json:"params,omitempty"`
	Inputs   []string `json:"inputs,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// WorkflowNode is a node entry of the persisted workflow document.
type WorkflowNode struct {
	ID          string             `json:"id"`
	Type        string             `json:"type"`
	Param       map[string]any     `json:"param"`
	Position    map[string]any     `json:"position,omitempty"`
	SchemaOut   map[string]Schema  `json:"schema_out"`
	DataOut     map[string]DataRef `json:"data_out"`
	Hint        map[string]any     `json:"hint"`
	RunningTime *float64           `json:"runningtime"` // milliseconds
	Error       *NodeError         `json:"error"`
}

// WorkflowEdge connects an output port to an input port.
type WorkflowEdge struct {
	Src     string `json:"src"`
	SrcPort string `json:"src_port"`
	Tar     string `json:"tar"`
	TarPort string `json:"tar_port"`
}

// ProjectWorkflow is the persisted workflow document. Node indices are stable
// between runs because patches address nodes by position.
type ProjectWorkflow struct {
	Nodes        []WorkflowNode `json:"nodes"`
	Edges        []WorkflowEdge `json:"edges"`
	ErrorMessage *string        `json:"error_message"`
}

// NodeIndex returns the position of the node with the given id.
func (w *ProjectWorkflow) NodeIndex(id string) (int, bool) {
	for i, n := range w.Nodes {
		if n.ID == id {
			return i, true
		}
	}
	return -1, false
}

// Project is a persisted project owning a workflow and a UI document.
type Project struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	Name      string          `json:"name"`
	Workflow  ProjectWorkflow `json:"workflow"`
	UIState   map[string]any  `json:"ui_state"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// FileRecord is the relational row describing a stored blob.
type FileRecord struct {
	Key       string     `json:"key"`
	Filename  string     `json:"filename"`
	Format    FileFormat `json:"format"`
	Size      int64      `json:"size"`
	ProjectID string     `json:"project_id"`
	OwnerID   string     `json:"owner_id"`
	Deleted   bool       `json:"deleted"`
	CreatedAt int64      `json:"created_at"`
}

// NodeOutput is a persisted output value of one node port.
type NodeOutput struct {
	DataID    string `json:"data_id"`
	ProjectID string `json:"project_id"`
	NodeID    string `json:"node_id"`
	Port      string `json:"port"`
	FileKey   string `json:"file_key,omitempty"`
	Payload   []byte `json:"payload"`
	CreatedAt int64  `json:"created_at"`
}
