// Package patch implements path mutations of the workflow document.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/songzhibin97/dataflow-engine/types"
)

var (
	ErrEmptyKey   = errors.New("patch key is empty")
	ErrBadSegment = errors.New("invalid patch key segment")
	ErrNoPath     = errors.New("patch path does not exist")
)

// Patch assigns Value at Key. String segments index objects, integer
// segments index lists.
type Patch struct {
	Key   []any `json:"key"`
	Value any   `json:"value"`
}

// New returns a patch for the given path.
func New(value any, key ...any) Patch {
	return Patch{Key: key, Value: value}
}

// String renders the key path.
func (p Patch) String() string {
	b, _ := json.Marshal(p.Key)
	return string(b)
}

// Apply mutates doc in place and returns the possibly replaced root. doc must
// be a generic JSON tree (map[string]any, []any and scalars).
func Apply(doc any, patches ...Patch) (any, error) {
	for _, p := range patches {
		var err error
		if doc, err = applyOne(doc, p); err != nil {
			return doc, fmt.Errorf("applying %s: %w", p, err)
		}
	}
	return doc, nil
}

func applyOne(doc any, p Patch) (any, error) {
	if len(p.Key) == 0 {
		return doc, ErrEmptyKey
	}
	value, err := generic(p.Value)
	if err != nil {
		return doc, err
	}
	cur := doc
	for i, seg := range p.Key {
		last := i == len(p.Key)-1
		switch c := cur.(type) {
		case map[string]any:
			k, ok := seg.(string)
			if !ok {
				return doc, fmt.Errorf("%w: %v indexes an object", ErrBadSegment, seg)
			}
			if last {
				c[k] = value
				return doc, nil
			}
			next, ok := c[k]
			if !ok || next == nil {
				return doc, fmt.Errorf("%w: %q", ErrNoPath, k)
			}
			cur = next
		case []any:
			idx, ok := index(seg)
			if !ok {
				return doc, fmt.Errorf("%w: %v indexes a list", ErrBadSegment, seg)
			}
			if idx < 0 || idx >= len(c) {
				return doc, fmt.Errorf("%w: index %d of %d", ErrNoPath, idx, len(c))
			}
			if last {
				c[idx] = value
				return doc, nil
			}
			cur = c[idx]
		default:
			return doc, fmt.Errorf("%w: cannot descend into %T", ErrNoPath, cur)
		}
	}
	return doc, nil
}

func index(seg any) (int, bool) {
	switch v := seg.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func generic(v any) (any, error) {
	switch v.(type) {
	case nil, string, bool, float64:
		return v, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding patch value: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyWorkflow applies patches to a workflow document.
func ApplyWorkflow(wf *types.ProjectWorkflow, patches ...Patch) error {
	if len(patches) == 0 {
		return nil
	}
	b, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if doc, err = Apply(doc, patches...); err != nil {
		return err
	}
	if b, err = json.Marshal(doc); err != nil {
		return err
	}
	var out types.ProjectWorkflow
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*wf = out
	return nil
}
