package retrieval

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/index"
	"github.com/notecortex/recall/internal/intent"
	"github.com/notecortex/recall/internal/noteclient"
)

// pathResult is a single search path's outcome; a failed path contributes
// zero candidates without aborting the others ("all-settled" join, §5).
type pathResult struct {
	source Source
	blocks []Block
	err    error
}

// buildFTSQuery implements §4.E's stage-1 query construction for the local
// index: phrase-AND for CJK-heavy short intents, OR for long/multi-keyword
// queries, otherwise the query verbatim.
func buildFTSQuery(normalizedQuery string, keywords []string) string {
	cjkCount := 0
	for _, k := range keywords {
		for _, r := range k {
			if unicode.Is(unicode.Han, r) {
				cjkCount++
				break
			}
		}
	}

	if cjkCount >= 2 && len(keywords) <= 4 {
		var quoted []string
		for _, k := range keywords {
			quoted = append(quoted, fmt.Sprintf(`"%s"`, k))
		}
		return strings.Join(quoted, " ")
	}

	if len([]rune(normalizedQuery)) >= 18 && len(keywords) >= 2 {
		return strings.Join(keywords, " OR ")
	}

	return normalizedQuery
}

func searchFTSPath(ctx context.Context, store *index.Store, query string, keywords []string, limit int) pathResult {
	ftsQuery := buildFTSQuery(query, keywords)
	rows, err := store.Search(ctx, ftsQuery, limit)
	if err != nil {
		return pathResult{source: SourceFTS, err: err}
	}
	blocks := make([]Block, 0, len(rows))
	for _, r := range rows {
		rank := r.Rank
		blocks = append(blocks, Block{
			ID: r.BlockID, RootID: r.DocID, Hpath: r.Hpath, Content: r.Content,
			Source: SourceFTS, Rank: &rank,
		})
	}
	return pathResult{source: SourceFTS, blocks: blocks}
}

func searchFulltextPath(ctx context.Context, client *noteclient.Client, query string, limit int) pathResult {
	blocks, err := client.SearchFullText(ctx, query, noteclient.SearchOptions{Page: 1, Size: limit})
	if err != nil {
		return pathResult{source: SourceFulltext, err: err}
	}
	out := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, Block{
			ID: coalesceID(b.ID, b.RootID), RootID: coalesceID(b.RootID, b.ID),
			Hpath: b.Hpath, Content: b.Content, UpdatedAt: b.UpdatedAt, Source: SourceFulltext,
		})
	}
	return pathResult{source: SourceFulltext, blocks: out}
}

// searchSQLPath implements §4.E's sql path: a LIKE-based query over the
// remote blocks table, with the time-range filter applied only here.
func searchSQLPath(ctx context.Context, client *noteclient.Client, keywords []string, since *intent.TimeRange, limit int) pathResult {
	if len(keywords) == 0 {
		return pathResult{source: SourceSQL}
	}
	var likes []string
	for _, k := range keywords {
		escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `'`, `''`).Replace(k)
		likes = append(likes, fmt.Sprintf(`content LIKE '%%%s%%' ESCAPE '\'`, escaped))
	}
	stmt := "SELECT * FROM blocks WHERE (" + strings.Join(likes, " OR ") + ")"
	if since != nil {
		stmt += fmt.Sprintf(" AND updated > '%s'", since.Since.Format("2006-01-02"))
	}
	stmt += fmt.Sprintf(" AND type != 'd' AND content IS NOT NULL AND TRIM(content) != '' ORDER BY updated DESC LIMIT %d", limit)

	rows, err := client.SQL(ctx, stmt)
	if err != nil {
		return pathResult{source: SourceSQL, err: err}
	}
	out := make([]Block, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowToBlock(row))
	}
	return pathResult{source: SourceSQL, blocks: out}
}

// rowToBlock coalesces the spelling variants the note store uses across
// versions (root_id/rootID/docID, updated/updated_at/…).
func rowToBlock(row noteclient.Row) Block {
	get := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := row[k]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
			}
		}
		return ""
	}
	return Block{
		ID:        get("id", "ID"),
		RootID:    get("root_id", "rootID", "docID", "id"),
		Hpath:     get("hpath"),
		Content:   get("content"),
		UpdatedAt: get("updated", "updated_at", "updatedAt"),
		Source:    SourceSQL,
	}
}

func coalesceID(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// enabledPaths filters the configured search path list down to the
// recognized set, preserving configured order.
func enabledPaths(cfg *config.RecallConfig) []string {
	var out []string
	for _, p := range cfg.SearchPaths {
		switch p {
		case "fts", "fulltext", "sql":
			out = append(out, p)
		}
	}
	return out
}
