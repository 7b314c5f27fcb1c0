package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/dataflow-engine/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	projects map[string]types.Project
	files    map[string]types.FileRecord
	outputs  map[string]types.NodeOutput
	mu       sync.RWMutex
	opts     options
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	return &MemoryStorage{
		projects: make(map[string]types.Project),
		files:    make(map[string]types.FileRecord),
		outputs:  make(map[string]types.NodeOutput),
		opts:     buildOptions(opts),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[string]T, id string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%s", errNotFound, id)
		}
		return item, nil
	})
}

// CreateProject stores a new project in memory.
func (s *MemoryStorage) CreateProject(ctx context.Context, p types.Project) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.projects[p.ID]; ok {
			return fmt.Errorf("%w: id=%s", ErrProjectExists, p.ID)
		}
		now := s.opts.now().UnixMilli()
		if p.CreatedAt == 0 {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.projects[p.ID] = cloneProject(p)
		return nil
	})
}

// GetProject retrieves a project from memory.
func (s *MemoryStorage) GetProject(ctx context.Context, id string) (types.Project, error) {
	p, err := getItem(ctx, &s.mu, s.projects, id, ErrProjectNotFound)
	if err != nil {
		return types.Project{}, err
	}
	return cloneProject(p), nil
}

// ListProjects lists the projects of an owner ordered by id.
func (s *MemoryStorage) ListProjects(ctx context.Context, ownerID string) ([]types.Project, error) {
	return withContext(ctx, func() ([]types.Project, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.Project
		for _, p := range s.projects {
			if p.OwnerID == ownerID {
				out = append(out, cloneProject(p))
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// DeleteProject removes a project and everything it owns.
func (s *MemoryStorage) DeleteProject(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.projects[id]; !ok {
			return fmt.Errorf("%w: id=%s", ErrProjectNotFound, id)
		}
		delete(s.projects, id)
		for k, f := range s.files {
			if f.ProjectID == id {
				delete(s.files, k)
			}
		}
		for k, o := range s.outputs {
			if o.ProjectID == id {
				delete(s.outputs, k)
			}
		}
		return nil
	})
}

// SaveWorkflow replaces the workflow document.
func (s *MemoryStorage) SaveWorkflow(ctx context.Context, projectID string, wf types.ProjectWorkflow) error {
	return s.updateProject(ctx, projectID, func(p *types.Project) { p.Workflow = wf })
}

// SaveUIState replaces the UI document.
func (s *MemoryStorage) SaveUIState(ctx context.Context, projectID string, ui map[string]any) error {
	return s.updateProject(ctx, projectID, func(p *types.Project) { p.UIState = ui })
}

func (s *MemoryStorage) updateProject(ctx context.Context, projectID string, fn func(p *types.Project)) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		p, ok := s.projects[projectID]
		if !ok {
			return fmt.Errorf("%w: id=%s", ErrProjectNotFound, projectID)
		}
		fn(&p)
		p.UpdatedAt = s.opts.now().UnixMilli()
		s.projects[projectID] = cloneProject(p)
		return nil
	})
}

// CreateFile records a file.
func (s *MemoryStorage) CreateFile(ctx context.Context, f types.FileRecord) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if f.CreatedAt == 0 {
			f.CreatedAt = s.opts.now().UnixMilli()
		}
		s.files[f.Key] = f
		return nil
	})
}

// GetFile retrieves a file record, soft-deleted ones included.
func (s *MemoryStorage) GetFile(ctx context.Context, key string) (types.FileRecord, error) {
	return getItem(ctx, &s.mu, s.files, key, ErrFileNotFound)
}

// ListFiles lists live files of a project ordered by key.
func (s *MemoryStorage) ListFiles(ctx context.Context, projectID string) ([]types.FileRecord, error) {
	return withContext(ctx, func() ([]types.FileRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.FileRecord
		for _, f := range s.files {
			if f.ProjectID == projectID && !f.Deleted {
				out = append(out, f)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return out, nil
	})
}

// SoftDeleteFiles flags files as deleted.
func (s *MemoryStorage) SoftDeleteFiles(ctx context.Context, projectID string, keys []string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, k := range keys {
			if f, ok := s.files[k]; ok && f.ProjectID == projectID {
				f.Deleted = true
				s.files[k] = f
			}
		}
		return nil
	})
}

// GetNodeOutput retrieves an output with its payload.
func (s *MemoryStorage) GetNodeOutput(ctx context.Context, dataID string) (types.NodeOutput, error) {
	return getItem(ctx, &s.mu, s.outputs, dataID, ErrOutputNotFound)
}

// ListNodeOutputs lists output metadata ordered by data id.
func (s *MemoryStorage) ListNodeOutputs(ctx context.Context, projectID string) ([]types.NodeOutput, error) {
	return withContext(ctx, func() ([]types.NodeOutput, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.NodeOutput
		for _, o := range s.outputs {
			if o.ProjectID == projectID {
				o.Payload = nil
				out = append(out, o)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].DataID < out[j].DataID })
		return out, nil
	})
}

// DeleteNodeOutputs hard-deletes outputs.
func (s *MemoryStorage) DeleteNodeOutputs(ctx context.Context, projectID string, dataIDs []string) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, id := range dataIDs {
			if o, ok := s.outputs[id]; ok && o.ProjectID == projectID {
				delete(s.outputs, id)
			}
		}
		return nil
	})
}

// Begin starts a buffered transaction.
func (s *MemoryStorage) Begin(ctx context.Context) (Tx, error) {
	return withContext(ctx, func() (Tx, error) {
		return &memoryTx{s: s}, nil
	})
}

// Close is a no-op for memory storage.
func (s *MemoryStorage) Close() error { return nil }

type memoryTx struct {
	s       *MemoryStorage
	pending []types.NodeOutput
	files   []types.FileRecord
	done    bool
}

func (tx *memoryTx) SaveNodeOutput(ctx context.Context, out types.NodeOutput) (string, error) {
	return withContext(ctx, func() (string, error) {
		if tx.done {
			return "", ErrTxDone
		}
		id, err := tx.s.opts.nextDataID()
		if err != nil {
			return "", fmt.Errorf("generating data id: %w", err)
		}
		out.DataID = id
		if out.CreatedAt == 0 {
			out.CreatedAt = tx.s.opts.now().UnixMilli()
		}
		out.Payload = append([]byte(nil), out.Payload...)
		tx.pending = append(tx.pending, out)
		return id, nil
	})
}

func (tx *memoryTx) CreateFile(ctx context.Context, f types.FileRecord) error {
	return withContextError(ctx, func() error {
		if tx.done {
			return ErrTxDone
		}
		if f.CreatedAt == 0 {
			f.CreatedAt = tx.s.opts.now().UnixMilli()
		}
		tx.files = append(tx.files, f)
		return nil
	})
}

func (tx *memoryTx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, f := range tx.files {
		tx.s.files[f.Key] = f
	}
	for _, o := range tx.pending {
		tx.s.outputs[o.DataID] = o
	}
	tx.pending, tx.files = nil, nil
	return nil
}

func (tx *memoryTx) Rollback() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.pending, tx.files = nil, nil
	return nil
}

// cloneProject deep-copies the workflow document through JSON so callers
// cannot alias stored state.
func cloneProject(p types.Project) types.Project {
	var out types.Project
	if err := deepCopy(p, &out); err != nil {
		return p
	}
	return out
}
