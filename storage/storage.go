package storage

import (
	"context"
	"errors"

	"github.com/songzhibin97/dataflow-engine/types"
)

// Errors
var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrOutputNotFound  = errors.New("node output not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrBlobNotFound    = errors.New("blob not found")
	ErrTxDone          = errors.New("transaction already committed or rolled back")
)

// Storage defines the relational store for projects, files and node outputs.
type Storage interface {
	// CreateProject inserts a new project.
	CreateProject(ctx context.Context, p types.Project) error

	// GetProject retrieves a project by ID.
	GetProject(ctx context.Context, id string) (types.Project, error)

	// ListProjects lists the projects of an owner.
	ListProjects(ctx context.Context, ownerID string) ([]types.Project, error)

	// DeleteProject removes a project with its files and outputs.
	DeleteProject(ctx context.Context, id string) error

	// SaveWorkflow replaces the workflow document of a project.
	SaveWorkflow(ctx context.Context, projectID string, wf types.ProjectWorkflow) error

	// SaveUIState replaces the UI document of a project.
	SaveUIState(ctx context.Context, projectID string, ui map[string]any) error

	// CreateFile records a stored blob.
	CreateFile(ctx context.Context, f types.FileRecord) error

	// GetFile retrieves a file record by key, soft-deleted ones included.
	GetFile(ctx context.Context, key string) (types.FileRecord, error)

	// ListFiles lists the live files of a project.
	ListFiles(ctx context.Context, projectID string) ([]types.FileRecord, error)

	// SoftDeleteFiles flags the given file keys as deleted.
	SoftDeleteFiles(ctx context.Context, projectID string, keys []string) error

	// GetNodeOutput retrieves a persisted output by data id.
	GetNodeOutput(ctx context.Context, dataID string) (types.NodeOutput, error)

	// ListNodeOutputs lists output metadata of a project. Payloads are not loaded.
	ListNodeOutputs(ctx context.Context, projectID string) ([]types.NodeOutput, error)

	// DeleteNodeOutputs hard-deletes outputs of a project.
	DeleteNodeOutputs(ctx context.Context, projectID string, dataIDs []string) error

	// Begin starts a transaction for per-phase output writes.
	Begin(ctx context.Context) (Tx, error)

	Close() error
}

// Tx groups node output and file writes that are committed together.
type Tx interface {
	// SaveNodeOutput stores a payload and returns its storage-assigned data id.
	SaveNodeOutput(ctx context.Context, out types.NodeOutput) (string, error)
	// CreateFile records a stored blob as part of the transaction.
	CreateFile(ctx context.Context, f types.FileRecord) error
	Commit() error
	Rollback() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
