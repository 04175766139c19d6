package index

import (
	"context"
	"database/sql"
	"strings"

	"github.com/notecortex/recall/internal/recallerr"
)

// SearchRow is a single local-index match.
type SearchRow struct {
	BlockID string
	DocID   string
	Hpath   string
	Content string
	// Rank is FTS5's bm25-derived rank: smaller is better. Zero when the
	// fallback LIKE-based table is in use (no native ranking primitive).
	Rank float64
}

// Search runs an FTS MATCH (or LIKE fallback) joined against doc_registry
// with deleted=false, ordered by rank ascending, limited to limit rows.
func (s *Store) Search(ctx context.Context, ftsQuery string, limit int) ([]SearchRow, error) {
	if s.FTSAvailable() {
		return s.searchFTS(ctx, ftsQuery, limit)
	}
	return s.searchLike(ctx, ftsQuery, limit)
}

func (s *Store) searchFTS(ctx context.Context, ftsQuery string, limit int) ([]SearchRow, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT b.block_id, b.doc_id, d.hpath, b.content, bm25(block_fts) AS rank
		FROM block_fts b
		JOIN doc_registry d ON d.doc_id = b.doc_id
		WHERE block_fts MATCH ? AND d.deleted = 0
		ORDER BY rank ASC
		LIMIT ?
	`, ftsQuery, limit)
	if err != nil {
		return nil, &recallerr.ErrLocalStore{Op: "fts search", Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

// searchLike degrades to a LIKE-based match when FTS5 is unavailable.
// Terms are split on whitespace/quotes and combined with OR, mirroring
// the coarser recall the teacher's own keyword fallback accepts.
func (s *Store) searchLike(ctx context.Context, ftsQuery string, limit int) ([]SearchRow, error) {
	terms := extractLikeTerms(ftsQuery)
	if len(terms) == 0 {
		return nil, nil
	}
	var clauses []string
	var args []any
	for _, t := range terms {
		clauses = append(clauses, "b.content LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(t)+"%")
	}
	args = append(args, limit)

	query := `
		SELECT b.block_id, b.doc_id, d.hpath, b.content, 0.0 AS rank
		FROM block_fts b
		JOIN doc_registry d ON d.doc_id = b.doc_id
		WHERE (` + strings.Join(clauses, " OR ") + `) AND d.deleted = 0
		LIMIT ?
	`
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &recallerr.ErrLocalStore{Op: "like search", Err: err}
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]SearchRow, error) {
	var out []SearchRow
	for rows.Next() {
		var r SearchRow
		if err := rows.Scan(&r.BlockID, &r.DocID, &r.Hpath, &r.Content, &r.Rank); err != nil {
			return nil, &recallerr.ErrLocalStore{Op: "scan search row", Err: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

func extractLikeTerms(ftsQuery string) []string {
	ftsQuery = strings.ReplaceAll(ftsQuery, `"`, "")
	ftsQuery = strings.ReplaceAll(ftsQuery, " OR ", " ")
	ftsQuery = strings.ReplaceAll(ftsQuery, " AND ", " ")
	return strings.Fields(ftsQuery)
}
