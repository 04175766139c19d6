// Package index is the local content-addressed mirror of the remote note
// store: a doc registry plus an FTS5 full-text index, kept in sync by
// internal/sync.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/notecortex/recall/internal/recallerr"
)

// Store wraps a *sql.DB holding doc_registry, block_fts, and sync_metadata.
type Store struct {
	conn *sql.DB
	path string
	mu   sync.Mutex

	excludedMu    sync.RWMutex
	excludedNames map[string]bool
}

// Open opens (and migrates) the index database at path, in WAL mode.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &recallerr.ErrLocalStore{Op: "open", Err: err}
	}
	conn.SetMaxOpenConns(1)
	s := &Store{conn: conn, path: path, excludedNames: map[string]bool{}}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens an in-memory store, for tests.
func OpenMemory() (*Store, error) {
	return Open(":memory:")
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.conn.Close() }

// SetExcludedNotebookNames sets the notebook-name exclusion set consulted
// by IndexDocument. Safe to call concurrently with indexing.
func (s *Store) SetExcludedNotebookNames(names []string) {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	s.excludedMu.Lock()
	s.excludedNames = set
	s.excludedMu.Unlock()
}

func (s *Store) isExcluded(name string) bool {
	s.excludedMu.RLock()
	defer s.excludedMu.RUnlock()
	return name != "" && s.excludedNames[name]
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS doc_registry (
		doc_id TEXT PRIMARY KEY,
		title TEXT,
		hpath TEXT,
		updated_at TEXT,
		indexed_at TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		deleted_at TEXT,
		tags TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_doc_registry_updated ON doc_registry(updated_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_doc_registry_deleted ON doc_registry(deleted, deleted_at)`,
	`CREATE TABLE IF NOT EXISTS sync_metadata (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at TEXT
	)`,
}

// ftsMigration creates block_fts best-effort; FTS5 unavailability degrades
// to a plain table with LIKE-based search (see search.go's fallback path).
const ftsMigration = `CREATE VIRTUAL TABLE IF NOT EXISTS block_fts USING fts5(
	block_id UNINDEXED,
	doc_id UNINDEXED,
	content,
	tokenize = 'porter unicode61 remove_diacritics 2'
)`

const ftsFallback = `CREATE TABLE IF NOT EXISTS block_fts (
	block_id TEXT,
	doc_id TEXT,
	content TEXT
)`

func (s *Store) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.conn.Exec(stmt); err != nil {
			return &recallerr.ErrLocalStore{Op: "migrate", Err: err}
		}
	}
	if _, err := s.conn.Exec(ftsMigration); err != nil {
		if _, err2 := s.conn.Exec(ftsFallback); err2 != nil {
			return &recallerr.ErrLocalStore{Op: "migrate fts", Err: err2}
		}
	}
	return nil
}

// FTSAvailable reports whether the real FTS5 virtual table is in use
// (as opposed to the LIKE-based fallback table).
func (s *Store) FTSAvailable() bool {
	var sqlText string
	err := s.conn.QueryRow(`SELECT sql FROM sqlite_master WHERE name='block_fts'`).Scan(&sqlText)
	if err != nil {
		return false
	}
	return strings.Contains(sqlText, "VIRTUAL TABLE") || strings.Contains(sqlText, "fts5")
}

// Doc is the input to IndexDocument: a document plus its pre-split sections.
type Doc struct {
	DocID        string
	Title        string
	Hpath        string
	NotebookName string
	UpdatedAt    string
	Tags         []string
	Content      string // dedup-compressed doc-level content
	Sections     []Section
}

// Section is a single heading-delimited chunk of a document.
type Section struct {
	ID      string // "<docId>::h<level>::<lineIndex>"
	Content string
}

func notebookNameOf(d Doc) string {
	if d.NotebookName != "" {
		return d.NotebookName
	}
	// fallback: first path segment of hpath, e.g. "/Notebook/Sub" -> "Notebook"
	trimmed := strings.TrimPrefix(d.Hpath, "/")
	if i := strings.Index(trimmed, "/"); i >= 0 {
		return trimmed[:i]
	}
	return trimmed
}

// IndexDocument upserts a document and rewrites its section rows inside a
// single transaction. If the document's notebook is excluded, the call is
// a no-op (invariant: excluded notebooks leave no trace in either table).
func (s *Store) IndexDocument(ctx context.Context, d Doc) error {
	if s.isExcluded(notebookNameOf(d)) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &recallerr.ErrLocalStore{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	tagsJSON, _ := json.Marshal(d.Tags)
	now := time.Now().UTC().Format(time.RFC3339)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO doc_registry (doc_id, title, hpath, updated_at, indexed_at, deleted, deleted_at, tags)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title=excluded.title, hpath=excluded.hpath, updated_at=excluded.updated_at,
			indexed_at=excluded.indexed_at, deleted=0, deleted_at=NULL, tags=excluded.tags
	`, d.DocID, d.Title, d.Hpath, d.UpdatedAt, now, string(tagsJSON))
	if err != nil {
		return &recallerr.ErrLocalStore{Op: "upsert doc_registry", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM block_fts WHERE doc_id = ?`, d.DocID); err != nil {
		return &recallerr.ErrLocalStore{Op: "delete old blocks", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO block_fts (block_id, doc_id, content) VALUES (?, ?, ?)`,
		d.DocID, d.DocID, d.Content); err != nil {
		return &recallerr.ErrLocalStore{Op: "insert doc content", Err: err}
	}
	for _, sec := range d.Sections {
		if _, err := tx.ExecContext(ctx, `INSERT INTO block_fts (block_id, doc_id, content) VALUES (?, ?, ?)`,
			sec.ID, d.DocID, sec.Content); err != nil {
			return &recallerr.ErrLocalStore{Op: "insert section", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &recallerr.ErrLocalStore{Op: "commit", Err: err}
	}
	return nil
}

// SyncDocuments writes a batch of documents in a single transaction-per-doc
// sequence (each IndexDocument call is already transactional; a failure on
// one document does not roll back documents already committed — this
// matches the sync service's per-item error isolation).
func (s *Store) SyncDocuments(ctx context.Context, docs []Doc) (errs []error) {
	for _, d := range docs {
		if err := s.IndexDocument(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("doc %s: %w", d.DocID, err))
		}
	}
	return errs
}

// DocIDsUnderNotebook returns the doc_registry ids whose hpath places them
// inside the top-level notebook named name, matching the same
// first-path-segment rule IndexDocument uses to derive a notebook name from
// hpath. Used to purge a notebook's docs when it newly becomes excluded.
func (s *Store) DocIDsUnderNotebook(ctx context.Context, name string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT doc_id FROM doc_registry WHERE hpath = ? OR hpath LIKE ?`,
		"/"+name, "/"+name+"/%")
	if err != nil {
		return nil, &recallerr.ErrLocalStore{Op: "select notebook docs", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &recallerr.ErrLocalStore{Op: "scan notebook docs", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RemoveFromIndex hard-deletes both tables for a doc id. Used when a
// notebook newly becomes excluded.
func (s *Store) RemoveFromIndex(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return &recallerr.ErrLocalStore{Op: "begin", Err: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM block_fts WHERE doc_id = ?`, docID); err != nil {
		return &recallerr.ErrLocalStore{Op: "remove blocks", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_registry WHERE doc_id = ?`, docID); err != nil {
		return &recallerr.ErrLocalStore{Op: "remove registry", Err: err}
	}
	return tx.Commit()
}

// MarkDeleted soft-deletes a doc. FTS rows are left in place; Search joins
// on deleted=false so they become invisible without a second write.
func (s *Store) MarkDeleted(ctx context.Context, docID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.ExecContext(ctx,
		`UPDATE doc_registry SET deleted=1, deleted_at=? WHERE doc_id=?`, now, docID)
	if err != nil {
		return &recallerr.ErrLocalStore{Op: "mark deleted", Err: err}
	}
	return nil
}

// CleanupOldDeleted hard-removes registry and FTS rows for docs deleted
// more than daysOld days ago. Idempotent: a second call with no
// intervening mutation deletes zero rows.
func (s *Store) CleanupOldDeleted(ctx context.Context, daysOld int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysOld).Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, &recallerr.ErrLocalStore{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT doc_id FROM doc_registry WHERE deleted=1 AND deleted_at IS NOT NULL AND deleted_at < ?`, cutoff)
	if err != nil {
		return 0, &recallerr.ErrLocalStore{Op: "select expired", Err: err}
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, &recallerr.ErrLocalStore{Op: "scan expired", Err: err}
		}
		ids = append(ids, id)
	}
	rows.Close()

	var n int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM block_fts WHERE doc_id=?`, id); err != nil {
			return n, &recallerr.ErrLocalStore{Op: "cleanup blocks", Err: err}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM doc_registry WHERE doc_id=?`, id)
		if err != nil {
			return n, &recallerr.ErrLocalStore{Op: "cleanup registry", Err: err}
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return n, &recallerr.ErrLocalStore{Op: "commit", Err: err}
	}
	return n, nil
}

// GetLastSyncTime reads sync_metadata["lastSyncTime"].
func (s *Store) GetLastSyncTime(ctx context.Context) (string, error) {
	var v string
	err := s.conn.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key='lastSyncTime'`).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", &recallerr.ErrLocalStore{Op: "get lastSyncTime", Err: err}
	}
	return v, nil
}

// UpdateSyncTime writes sync_metadata["lastSyncTime"] = iso.
func (s *Store) UpdateSyncTime(ctx context.Context, iso string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value, updated_at) VALUES ('lastSyncTime', ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
	`, iso, now)
	if err != nil {
		return &recallerr.ErrLocalStore{Op: "update lastSyncTime", Err: err}
	}
	return nil
}

// Stats summarizes the index for diagnostics (cmd/recall status).
type Stats struct {
	TotalDocs   int
	TotalBlocks int
	LastSync    string
	DBPath      string
}

// Stats reports index size and last-sync time.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM doc_registry WHERE deleted=0`).Scan(&st.TotalDocs); err != nil {
		return st, &recallerr.ErrLocalStore{Op: "count docs", Err: err}
	}
	if err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM block_fts`).Scan(&st.TotalBlocks); err != nil {
		return st, &recallerr.ErrLocalStore{Op: "count blocks", Err: err}
	}
	last, err := s.GetLastSyncTime(ctx)
	if err != nil {
		return st, err
	}
	st.LastSync = last
	st.DBPath = s.path
	return st, nil
}
