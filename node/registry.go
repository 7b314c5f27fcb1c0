package node

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory constructs a node from raw parameters.
type Factory func(cfg *GlobalConfig, id string, params map[string]any) (Node, error)

var (
	mu       sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a node type. It is called from init functions and panics on
// duplicate names.
func Register(typeName string, f Factory) {
	if typeName == "" || f == nil {
		panic("node: register requires a type name and a factory")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[typeName]; dup {
		panic("node: duplicate registration of " + typeName)
	}
	registry[typeName] = f
}

// RegisterTyped registers a node type whose parameters decode into P.
func RegisterTyped[P any](typeName string, build func(cfg *GlobalConfig, id string, p *P) (Node, error)) {
	Register(typeName, func(cfg *GlobalConfig, id string, params map[string]any) (Node, error) {
		p := new(P)
		if err := DecodeParams(params, p); err != nil {
			return nil, err
		}
		return build(cfg, id, p)
	})
}

// Create instantiates a registered node type.
func Create(typeName string, cfg *GlobalConfig, id string, params map[string]any) (n Node, err error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrBlankID
	}
	mu.RLock()
	f, ok := registry[typeName]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	defer func() {
		if r := recover(); r != nil {
			n, err = nil, fmt.Errorf("constructing %s %q panicked: %v", typeName, id, r)
		}
	}()
	n, err = f(cfg, id, params)
	if err != nil {
		var pe *ParameterError
		if !errors.As(err, &pe) {
			err = NewParameterError("", "%v", err)
		}
		return nil, err
	}
	return n, nil
}

// Types returns the registered type names in sorted order.
func Types() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Registered reports whether a type name is known.
func Registered(typeName string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := registry[typeName]
	return ok
}
