// Package cache memoizes node outputs keyed by type, parameters and inputs.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/dataflow-engine/types"
)

// DefaultTTL bounds the lifetime of every entry.
const DefaultTTL = 24 * time.Hour

// ErrStore wraps failures of the underlying key-value store.
var ErrStore = errors.New("cache store failure")

// Store is the key-value backend of the cache.
type Store interface {
	// Get returns false when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// BodyRecord is what a loop entry remembers about one body node.
type BodyRecord struct {
	NodeID      string           `json:"node_id"`
	RunningTime float64          `json:"running_time"`
	Outputs     types.ValueMap   `json:"outputs,omitempty"`
	Error       *types.NodeError `json:"error,omitempty"`
}

// Extras carries loop bookkeeping replayed on a hit.
type Extras struct {
	Begin *BodyRecord  `json:"begin,omitempty"`
	Body  []BodyRecord `json:"body,omitempty"`
}

// Entry is a memoized result.
type Entry struct {
	Outputs     types.ValueMap `json:"outputs"`
	RunningTime float64        `json:"running_time"` // milliseconds
	Extras      *Extras        `json:"extras,omitempty"`
}

// Stats counts cache traffic since the manager was created.
type Stats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// Manager computes keys and reads and writes entries.
type Manager struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager returns a manager over store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, ttl: DefaultTTL, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type keyDoc struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params"`
	Inputs string         `json:"inputs"`
}

// Key returns the content address of a node evaluation.
func Key(nodeType string, params map[string]any, inputs map[string]types.Value) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	h, err := types.FingerprintJSON(keyDoc{Type: nodeType, Params: params, Inputs: types.FingerprintValues(inputs)})
	if err != nil {
		return "", fmt.Errorf("hashing parameters of %s: %w", nodeType, err)
	}
	return h, nil
}

// StructureKey returns the key of a whole loop keyed on its structure hash.
func StructureKey(endType, structureHash string, inputs map[string]types.Value) (string, error) {
	return Key(endType, map[string]any{"control_structure_hash": structureHash}, inputs)
}

// Get returns the entry for key. Store failures are returned wrapped in ErrStore.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: get %s: %v", ErrStore, key, err)
	}
	if !ok {
		m.misses.Add(1)
		return nil, false, nil
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry is treated as a miss and will be overwritten.
		m.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		m.misses.Add(1)
		return nil, false, nil
	}
	m.hits.Add(1)
	return &e, true, nil
}

// Set stores an entry under key with the configured TTL.
func (m *Manager) Set(ctx context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}
	if err := m.store.Set(ctx, key, raw, m.ttl); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStore, key, err)
	}
	m.sets.Add(1)
	return nil
}

// Stats returns the hit, miss and set counters.
func (m *Manager) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load(), Sets: m.sets.Load()}
}
