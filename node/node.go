package node

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/storage"
	"github.com/songzhibin97/dataflow-engine/types"
)

// InputPort is a typed input slot.
type InputPort struct {
	Name     string
	Accept   types.Pattern
	Optional bool
}

// OutputPort is an output slot; its schema is produced by InferOutputSchemas.
type OutputPort struct {
	Name string
}

// Node is a parameterized evaluator. Implementations must be deterministic
// modulo explicit seeds and must never mutate their inputs.
type Node interface {
	ID() string
	Type() string
	// Params returns the validated parameters used for cache keys and structure hashes.
	Params() map[string]any
	// PortDef is deterministic given the parameters. Names are unique per side.
	PortDef() ([]InputPort, []OutputPort)
	// InferOutputSchemas may assume every required input is present and accepted
	// by its port pattern.
	InferOutputSchemas(in map[string]types.Schema) (map[string]types.Schema, error)
	Process(ctx context.Context, in map[string]types.Value) (map[string]types.Value, error)
}

// Role is the position of a node in a control structure.
type Role string

const (
	RoleBegin Role = "BEGIN"
	RoleEnd   Role = "END"
)

// ControlStructure is implemented by loop begin and end nodes.
type ControlStructure interface {
	Node
	ControlStructure() (pairID int, role Role)
}

// Iterator yields one input map per loop iteration.
type Iterator interface {
	// Next returns false once the sequence is exhausted.
	Next(ctx context.Context) (map[string]types.Value, bool, error)
}

// LoopBegin starts a loop over its inputs.
type LoopBegin interface {
	ControlStructure
	IterLoop(ctx context.Context, in map[string]types.Value) (Iterator, error)
}

// LoopEnd accumulates per-iteration values and produces the loop outputs.
type LoopEnd interface {
	ControlStructure
	EndIterLoop(in map[string]types.Value) error
	FinalizeLoop() (map[string]types.Value, error)
}

// Hinter produces UI advisory data. Hint must never fail.
type Hinter interface {
	Hint(in map[string]types.Schema) map[string]any
}

// Cacheable lets nodes with side effects opt out of memoization.
type Cacheable interface {
	Cacheable() bool
}

// GlobalConfig carries run-scoped collaborators into nodes.
type GlobalConfig struct {
	ProjectID string
	UserID    string
	Blobs     storage.BlobStore
	Logger    *zap.Logger
	Debug     bool
	Now       func() time.Time
}

// Clock returns the configured time source.
func (c *GlobalConfig) Clock() time.Time {
	if c == nil || c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Log returns the configured logger or a no-op logger.
func (c *GlobalConfig) Log() *zap.Logger {
	if c == nil || c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Base implements the identity part of Node and is embedded by implementations.
type Base struct {
	id     string
	typ    string
	params map[string]any
	cfg    *GlobalConfig
}

// NewBase returns a Base.
func NewBase(cfg *GlobalConfig, id, typ string, params map[string]any) Base {
	if params == nil {
		params = map[string]any{}
	}
	return Base{id: id, typ: typ, params: params, cfg: cfg}
}

func (b Base) ID() string             { return b.id }
func (b Base) Type() string           { return b.typ }
func (b Base) Params() map[string]any { return b.params }
func (b Base) Config() *GlobalConfig  { return b.cfg }
