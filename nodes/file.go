package nodes

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

func init() {
	node.RegisterTyped("FileReadNode", newFileRead)
}

// FileReadParams names a stored blob and the columns to load from it.
type FileReadParams struct {
	FileKey string           `json:"file_key"`
	Format  types.FileFormat `json:"format"`
	Columns []ColumnSpec     `json:"columns"`
}

func (p *FileReadParams) Validate() error {
	perr := &node.ParameterError{}
	required(perr, "file_key", p.FileKey)
	oneOf(perr, "format", string(p.Format), string(types.FormatCSV), string(types.FormatJSON))
	if len(p.Columns) == 0 {
		perr.Add("columns", "at least one column is required")
	}
	for i, c := range p.Columns {
		if len(c.Values) > 0 {
			perr.Add("columns."+strconv.Itoa(i)+".values", "not allowed when reading a file")
		}
	}
	columnSchema(perr, "columns", p.Columns)
	return perr.OrNil()
}

// FileReadNode loads a CSV file with a header row, or a JSON array of
// objects, into a table with the declared columns. Extra fields are ignored
// and missing or empty cells become null.
type FileReadNode struct {
	node.Base
	p      FileReadParams
	schema types.TableSchema
}

func newFileRead(cfg *node.GlobalConfig, id string, p *FileReadParams) (node.Node, error) {
	perr := &node.ParameterError{}
	ts := columnSchema(perr, "columns", p.Columns)
	if err := perr.OrNil(); err != nil {
		return nil, err
	}
	return &FileReadNode{Base: node.NewBase(cfg, id, "FileReadNode", node.ParamMap(p)), p: *p, schema: ts}, nil
}

// FileKey returns the blob referenced by the node.
func (n *FileReadNode) FileKey() string { return n.p.FileKey }

func (n *FileReadNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return nil, []node.OutputPort{{Name: "table"}}
}

func (n *FileReadNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"table": types.TableOf(n.schema)}, nil
}

func (n *FileReadNode) Process(ctx context.Context, _ map[string]types.Value) (map[string]types.Value, error) {
	cfg := n.Config()
	if cfg == nil || cfg.Blobs == nil {
		return nil, node.Errorf("no blob store configured")
	}
	data, err := cfg.Blobs.Get(ctx, n.p.FileKey)
	if err != nil {
		return nil, node.Errorf("reading %s: %v", n.p.FileKey, err)
	}
	var rows [][]any
	if n.p.Format == types.FormatCSV {
		rows, err = n.readCSV(data)
	} else {
		rows, err = n.readJSON(data)
	}
	if err != nil {
		return nil, node.Errorf("parsing %s: %v", n.p.FileKey, err)
	}
	t, err := types.NewTableFromRows(n.schema, rows)
	if err != nil {
		return nil, node.Errorf("loading %s: %v", n.p.FileKey, err)
	}
	return map[string]types.Value{"table": t}, nil
}

func (n *FileReadNode) readCSV(data []byte) ([][]any, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(h)] = i
	}
	var rows [][]any
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		row := make([]any, len(n.schema.Columns))
		for j, col := range n.schema.Columns {
			i, ok := pos[col]
			if !ok || i >= len(rec) || rec[i] == "" {
				continue
			}
			cell, err := parseCell(n.schema.ColTypes[col], rec[i])
			if err != nil {
				return nil, errors.New("line " + strconv.Itoa(line) + " column " + col + ": " + err.Error())
			}
			row[j] = cell
		}
		rows = append(rows, row)
	}
}

func parseCell(ct types.ColType, s string) (any, error) {
	switch ct {
	case types.ColInt:
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	case types.ColFloat:
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	case types.ColBool:
		return strconv.ParseBool(strings.TrimSpace(s))
	}
	return types.NormalizeCell(ct, s)
}

func (n *FileReadNode) readJSON(data []byte) ([][]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var objs []map[string]any
	if err := dec.Decode(&objs); err != nil {
		return nil, err
	}
	rows := make([][]any, 0, len(objs))
	for _, obj := range objs {
		row := make([]any, len(n.schema.Columns))
		for j, col := range n.schema.Columns {
			row[j] = obj[col]
		}
		rows = append(rows, row)
	}
	return rows, nil
}
