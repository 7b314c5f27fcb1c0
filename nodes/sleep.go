package nodes

import (
	"context"
	"math"
	"time"

	"github.com/songzhibin97/dataflow-engine/node"
	"github.com/songzhibin97/dataflow-engine/types"
)

// MaxSleep bounds SleepNode durations.
const MaxSleep = time.Hour

func init() {
	node.RegisterTyped("SleepNode", func(cfg *node.GlobalConfig, id string, p *SleepParams) (node.Node, error) {
		return &SleepNode{Base: node.NewBase(cfg, id, "SleepNode", node.ParamMap(p)), p: *p}, nil
	})
}

// SleepParams sets the delay in seconds.
type SleepParams struct {
	Seconds float64 `json:"seconds"`
}

func (p *SleepParams) Validate() error {
	perr := &node.ParameterError{}
	if p.Seconds < 0 || math.IsNaN(p.Seconds) || p.Seconds > MaxSleep.Seconds() {
		perr.Add("seconds", "must be between 0 and 3600")
	}
	return perr.OrNil()
}

// SleepNode waits and reports how long it slept. It is never memoized.
type SleepNode struct {
	node.Base
	p SleepParams
}

func (n *SleepNode) PortDef() ([]node.InputPort, []node.OutputPort) {
	return nil, []node.OutputPort{{Name: "seconds"}}
}

func (n *SleepNode) InferOutputSchemas(map[string]types.Schema) (map[string]types.Schema, error) {
	return map[string]types.Schema{"seconds": types.Primitive(types.TypeFloat)}, nil
}

func (n *SleepNode) Cacheable() bool { return false }

func (n *SleepNode) Process(ctx context.Context, _ map[string]types.Value) (map[string]types.Value, error) {
	timer := time.NewTimer(time.Duration(n.p.Seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return map[string]types.Value{"seconds": types.Float(n.p.Seconds)}, nil
}
