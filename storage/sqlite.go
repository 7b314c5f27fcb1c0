package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/songzhibin97/dataflow-engine/types"
)

//go:embed schema.sql
var schemaSQL string

var pragmas = []string{"journal_mode(WAL)", "foreign_keys(ON)", "busy_timeout(5000)"}

// SQLiteStorage is a SQLite-backed implementation of the Storage interface.
// Node output payloads are stored zstd-compressed.
type SQLiteStorage struct {
	conn *sql.DB
	path string
	opts options
}

// OpenSQLite opens or creates a database at the given path and applies the schema.
func OpenSQLite(path string, opts ...Option) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}
	params := make([]string, 0, len(pragmas))
	for _, p := range pragmas {
		params = append(params, "_pragma="+p)
	}
	conn, err := sql.Open("sqlite", "file:"+path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStorage{conn: conn, path: path, opts: buildOptions(opts)}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.conn.Close()
}

// CreateProject inserts a project row.
func (s *SQLiteStorage) CreateProject(ctx context.Context, p types.Project) error {
	wf, ui, err := encodeDocuments(p.Workflow, p.UIState)
	if err != nil {
		return err
	}
	now := s.opts.now().UnixMilli()
	if p.CreatedAt == 0 {
		p.CreatedAt = now
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO projects (id, owner_id, name, workflow, ui_state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerID, p.Name, wf, ui, p.CreatedAt, now,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: id=%s", ErrProjectExists, p.ID)
		}
		return fmt.Errorf("inserting project: %w", err)
	}
	return nil
}

// GetProject retrieves a project row.
func (s *SQLiteStorage) GetProject(ctx context.Context, id string) (types.Project, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT id, owner_id, name, workflow, ui_state, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Project{}, fmt.Errorf("%w: id=%s", ErrProjectNotFound, id)
	}
	return p, err
}

// ListProjects lists the projects of an owner.
func (s *SQLiteStorage) ListProjects(ctx context.Context, ownerID string) ([]types.Project, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, owner_id, name, workflow, ui_state, created_at, updated_at FROM projects WHERE owner_id = ? ORDER BY id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()
	var out []types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (types.Project, error) {
	var (
		p      types.Project
		wf, ui string
	)
	if err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &wf, &ui, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return types.Project{}, err
	}
	if err := json.Unmarshal([]byte(wf), &p.Workflow); err != nil {
		return types.Project{}, fmt.Errorf("decoding workflow of %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(ui), &p.UIState); err != nil {
		return types.Project{}, fmt.Errorf("decoding ui state of %s: %w", p.ID, err)
	}
	return p, nil
}

// DeleteProject removes a project; files and outputs cascade.
func (s *SQLiteStorage) DeleteProject(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%s", ErrProjectNotFound, id)
	}
	return nil
}

// SaveWorkflow replaces the workflow document.
func (s *SQLiteStorage) SaveWorkflow(ctx context.Context, projectID string, wf types.ProjectWorkflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("encoding workflow: %w", err)
	}
	return s.updateColumn(ctx, projectID, "workflow", string(data))
}

// SaveUIState replaces the UI document.
func (s *SQLiteStorage) SaveUIState(ctx context.Context, projectID string, ui map[string]any) error {
	data, err := json.Marshal(ui)
	if err != nil {
		return fmt.Errorf("encoding ui state: %w", err)
	}
	return s.updateColumn(ctx, projectID, "ui_state", string(data))
}

func (s *SQLiteStorage) updateColumn(ctx context.Context, projectID, column, value string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE projects SET `+column+` = ?, updated_at = ? WHERE id = ?`, value, s.opts.now().UnixMilli(), projectID)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: id=%s", ErrProjectNotFound, projectID)
	}
	return nil
}

// CreateFile records a file.
func (s *SQLiteStorage) CreateFile(ctx context.Context, f types.FileRecord) error {
	return insertFile(ctx, s.conn, s.opts, f)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertFile(ctx context.Context, db execer, opts options, f types.FileRecord) error {
	if f.CreatedAt == 0 {
		f.CreatedAt = opts.now().UnixMilli()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO files (key, filename, format, size, project_id, owner_id, deleted, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET filename = excluded.filename, format = excluded.format, size = excluded.size, deleted = excluded.deleted`,
		f.Key, f.Filename, string(f.Format), f.Size, f.ProjectID, f.OwnerID, boolToInt(f.Deleted), f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting file: %w", err)
	}
	return nil
}

const fileColumns = `key, filename, format, size, project_id, owner_id, deleted, created_at`

func scanFile(row scanner) (types.FileRecord, error) {
	var (
		f       types.FileRecord
		format  string
		deleted int
	)
	if err := row.Scan(&f.Key, &f.Filename, &format, &f.Size, &f.ProjectID, &f.OwnerID, &deleted, &f.CreatedAt); err != nil {
		return types.FileRecord{}, err
	}
	f.Format = types.FileFormat(format)
	f.Deleted = deleted != 0
	return f, nil
}

// GetFile retrieves a file record, soft-deleted ones included.
func (s *SQLiteStorage) GetFile(ctx context.Context, key string) (types.FileRecord, error) {
	f, err := scanFile(s.conn.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return types.FileRecord{}, fmt.Errorf("%w: id=%s", ErrFileNotFound, key)
	}
	if err != nil {
		return types.FileRecord{}, fmt.Errorf("querying file: %w", err)
	}
	return f, nil
}

// ListFiles lists live files of a project.
func (s *SQLiteStorage) ListFiles(ctx context.Context, projectID string) ([]types.FileRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE project_id = ? AND deleted = 0 ORDER BY key`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying files: %w", err)
	}
	defer rows.Close()
	var out []types.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SoftDeleteFiles flags files as deleted.
func (s *SQLiteStorage) SoftDeleteFiles(ctx context.Context, projectID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := append([]any{projectID}, stringArgs(keys)...)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE files SET deleted = 1 WHERE project_id = ? AND key IN (`+placeholders(len(keys))+`)`, args...)
	if err != nil {
		return fmt.Errorf("soft-deleting files: %w", err)
	}
	return nil
}

// GetNodeOutput retrieves an output with its decompressed payload.
func (s *SQLiteStorage) GetNodeOutput(ctx context.Context, dataID string) (types.NodeOutput, error) {
	var (
		o       types.NodeOutput
		payload []byte
	)
	err := s.conn.QueryRowContext(ctx,
		`SELECT data_id, project_id, node_id, port, file_key, payload, created_at FROM node_outputs WHERE data_id = ?`, dataID,
	).Scan(&o.DataID, &o.ProjectID, &o.NodeID, &o.Port, &o.FileKey, &payload, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.NodeOutput{}, fmt.Errorf("%w: id=%s", ErrOutputNotFound, dataID)
	}
	if err != nil {
		return types.NodeOutput{}, fmt.Errorf("querying node output: %w", err)
	}
	if o.Payload, err = Decompress(payload); err != nil {
		return types.NodeOutput{}, err
	}
	return o, nil
}

// ListNodeOutputs lists output metadata without payloads.
func (s *SQLiteStorage) ListNodeOutputs(ctx context.Context, projectID string) ([]types.NodeOutput, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT data_id, project_id, node_id, port, file_key, created_at FROM node_outputs WHERE project_id = ? ORDER BY data_id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying node outputs: %w", err)
	}
	defer rows.Close()
	var out []types.NodeOutput
	for rows.Next() {
		var o types.NodeOutput
		if err := rows.Scan(&o.DataID, &o.ProjectID, &o.NodeID, &o.Port, &o.FileKey, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteNodeOutputs hard-deletes outputs.
func (s *SQLiteStorage) DeleteNodeOutputs(ctx context.Context, projectID string, dataIDs []string) error {
	if len(dataIDs) == 0 {
		return nil
	}
	args := append([]any{projectID}, stringArgs(dataIDs)...)
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM node_outputs WHERE project_id = ? AND data_id IN (`+placeholders(len(dataIDs))+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting node outputs: %w", err)
	}
	return nil
}

// Begin starts a transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &sqliteTx{tx: tx, opts: s.opts}, nil
}

type sqliteTx struct {
	tx   *sql.Tx
	opts options
}

func (t *sqliteTx) SaveNodeOutput(ctx context.Context, out types.NodeOutput) (string, error) {
	id, err := t.opts.nextDataID()
	if err != nil {
		return "", fmt.Errorf("generating data id: %w", err)
	}
	if out.CreatedAt == 0 {
		out.CreatedAt = t.opts.now().UnixMilli()
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO node_outputs (data_id, project_id, node_id, port, file_key, payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, out.ProjectID, out.NodeID, out.Port, out.FileKey, Compress(out.Payload), out.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("inserting node output: %w", err)
	}
	return id, nil
}

func (t *sqliteTx) CreateFile(ctx context.Context, f types.FileRecord) error {
	if err := insertFile(ctx, t.tx, t.opts, f); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("committing: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return fmt.Errorf("rolling back: %w", err)
	}
	return nil
}

func encodeDocuments(wf types.ProjectWorkflow, ui map[string]any) (string, string, error) {
	w, err := json.Marshal(wf)
	if err != nil {
		return "", "", fmt.Errorf("encoding workflow: %w", err)
	}
	if ui == nil {
		ui = map[string]any{}
	}
	u, err := json.Marshal(ui)
	if err != nil {
		return "", "", fmt.Errorf("encoding ui state: %w", err)
	}
	return string(w), string(u), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
