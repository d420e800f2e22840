package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/diaryx/diaryx-go/internal/crdt/codec"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// SQLiteStore implements Store on an embedded SQLite database in WAL
// mode. One database holds every document of a workspace: snapshots in
// `documents`, the append-only log in `updates`.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	docStmts    docStatements
	updateStmts updateStatements
}

// Statement groups, prepared once at open.
type docStatements struct {
	load, save, del, list *sql.Stmt
}

type updateStatements struct {
	append, since, latest, deleteBefore, deleteAll *sql.Stmt
}

// NewSQLite opens (or creates) the database at dbPath, applies
// migrations, and prepares statements. Use ":memory:" in tests that need
// SQL semantics without a file.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("opening crdt database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	ctx := context.Background()
	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return s, nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("storage: migration sub-filesystem: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("storage: migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("storage: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	var err error
	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = s.db.PrepareContext(ctx, query)
	}

	prepare(&s.docStmts.load, `SELECT snapshot FROM documents WHERE name = ?`)
	prepare(&s.docStmts.save, `
		INSERT INTO documents (name, snapshot, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`)
	prepare(&s.docStmts.del, `DELETE FROM documents WHERE name = ?`)
	prepare(&s.docStmts.list, `
		SELECT name FROM documents
		UNION SELECT DISTINCT doc_name FROM updates ORDER BY 1`)

	prepare(&s.updateStmts.append, `
		INSERT INTO updates (doc_name, data, origin, timestamp, device_id, device_name)
		VALUES (?, ?, ?, ?, ?, ?)`)
	prepare(&s.updateStmts.since, `
		SELECT id, doc_name, data, origin, timestamp, COALESCE(device_id, ''), COALESCE(device_name, '')
		FROM updates WHERE doc_name = ? AND id > ? ORDER BY id`)
	prepare(&s.updateStmts.latest, `SELECT COALESCE(MAX(id), 0) FROM updates WHERE doc_name = ?`)
	prepare(&s.updateStmts.deleteBefore, `DELETE FROM updates WHERE doc_name = ? AND id <= ?`)
	prepare(&s.updateStmts.deleteAll, `DELETE FROM updates WHERE doc_name = ?`)
	return err
}

// LoadDoc implements Store.
func (s *SQLiteStore) LoadDoc(name string) ([]byte, error) {
	var snap []byte
	err := s.docStmts.load.QueryRow(name).Scan(&snap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load doc %s: %w", name, err)
	}
	return snap, nil
}

// SaveDoc implements Store.
func (s *SQLiteStore) SaveDoc(name string, state []byte) error {
	if _, err := s.docStmts.save.Exec(name, state, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("save doc %s: %w", name, err)
	}
	return nil
}

// DeleteDoc implements Store.
func (s *SQLiteStore) DeleteDoc(name string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("delete doc %s: begin: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.Stmt(s.docStmts.del).Exec(name); err != nil {
		return fmt.Errorf("delete doc %s: %w", name, err)
	}
	if _, err := tx.Stmt(s.updateStmts.deleteAll).Exec(name); err != nil {
		return fmt.Errorf("delete doc updates %s: %w", name, err)
	}
	return tx.Commit()
}

// ListDocs implements Store.
func (s *SQLiteStore) ListDocs() ([]string, error) {
	rows, err := s.docStmts.list.Query()
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list docs scan: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AppendUpdate implements Store.
func (s *SQLiteStore) AppendUpdate(name string, data []byte, origin Origin, device *Device) (int64, error) {
	deviceID, deviceName := deviceCols(device)
	res, err := s.updateStmts.append.Exec(name, data, string(origin), time.Now().UnixMilli(), deviceID, deviceName)
	if err != nil {
		return 0, fmt.Errorf("append update %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append update %s: id: %w", name, err)
	}
	return id, nil
}

// BatchAppendUpdates implements Store. The batch runs in one transaction;
// either every update is persisted or none is.
func (s *SQLiteStore) BatchAppendUpdates(items []BatchItem, device *Device) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("batch append: begin: %w", err)
	}
	defer tx.Rollback()

	deviceID, deviceName := deviceCols(device)
	now := time.Now().UnixMilli()
	ids := make([]int64, 0, len(items))
	stmt := tx.Stmt(s.updateStmts.append)
	for _, item := range items {
		res, err := stmt.Exec(item.DocName, item.Data, string(item.Origin), now, deviceID, deviceName)
		if err != nil {
			return nil, fmt.Errorf("batch append %s: %w", item.DocName, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("batch append %s: id: %w", item.DocName, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch append: commit: %w", err)
	}
	return ids, nil
}

func deviceCols(device *Device) (any, any) {
	if device == nil {
		return nil, nil
	}
	return device.ID, device.Name
}

// GetUpdatesSince implements Store.
func (s *SQLiteStore) GetUpdatesSince(name string, sinceID int64) ([]Update, error) {
	rows, err := s.updateStmts.since.Query(name, sinceID)
	if err != nil {
		return nil, fmt.Errorf("updates since %s/%d: %w", name, sinceID, err)
	}
	defer rows.Close()
	var out []Update
	for rows.Next() {
		var u Update
		var origin string
		if err := rows.Scan(&u.ID, &u.DocName, &u.Data, &origin, &u.Timestamp, &u.DeviceID, &u.DeviceName); err != nil {
			return nil, fmt.Errorf("updates since %s: scan: %w", name, err)
		}
		u.Origin = Origin(origin)
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetAllUpdates implements Store.
func (s *SQLiteStore) GetAllUpdates(name string) ([]Update, error) {
	return s.GetUpdatesSince(name, 0)
}

// GetLatestUpdateID implements Store.
func (s *SQLiteStore) GetLatestUpdateID(name string) (int64, error) {
	var id int64
	if err := s.updateStmts.latest.QueryRow(name).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest update id %s: %w", name, err)
	}
	return id, nil
}

// GetStateAt implements Store.
func (s *SQLiteStore) GetStateAt(name string, updateID int64) ([]byte, error) {
	snap, err := s.LoadDoc(name)
	if err != nil {
		return nil, err
	}
	updates, err := s.GetAllUpdates(name)
	if err != nil {
		return nil, err
	}
	if snap == nil && len(updates) == 0 {
		return nil, nil
	}
	blobs := [][]byte{snap}
	for _, u := range updates {
		if u.ID <= updateID {
			blobs = append(blobs, u.Data)
		}
	}
	return codec.MergeUpdates(blobs...), nil
}

// Compact implements Store. The new snapshot is written and the old
// updates deleted inside a single transaction, so a crash at any point
// leaves either the old snapshot + full log or the new snapshot + trimmed
// log — never a state that loses committed updates.
func (s *SQLiteStore) Compact(name string, keepUpdates int) error {
	updates, err := s.GetAllUpdates(name)
	if err != nil {
		return err
	}
	if len(updates) <= keepUpdates {
		return nil
	}
	snap, err := s.LoadDoc(name)
	if err != nil {
		return err
	}

	cut := len(updates) - keepUpdates
	cutoffID := updates[cut-1].ID
	blobs := [][]byte{snap}
	for _, u := range updates[:cut] {
		blobs = append(blobs, u.Data)
	}
	newSnap := codec.MergeUpdates(blobs...)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("compact %s: begin: %w", name, err)
	}
	defer tx.Rollback()
	if _, err := tx.Stmt(s.docStmts.save).Exec(name, newSnap, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("compact %s: save snapshot: %w", name, err)
	}
	if _, err := tx.Stmt(s.updateStmts.deleteBefore).Exec(name, cutoffID); err != nil {
		return fmt.Errorf("compact %s: trim updates: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("compact %s: commit: %w", name, err)
	}
	s.logger.Debug("compacted document", "doc", name, "dropped", cut, "kept", keepUpdates)
	return nil
}

// RenameDoc implements Store.
func (s *SQLiteStore) RenameDoc(oldName, newName string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rename doc %s: begin: %w", oldName, err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE documents SET name = ? WHERE name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("rename doc %s: %w", oldName, err)
	}
	if _, err := tx.Exec(`UPDATE updates SET doc_name = ? WHERE doc_name = ?`, newName, oldName); err != nil {
		return fmt.Errorf("rename doc updates %s: %w", oldName, err)
	}
	return tx.Commit()
}
