package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/index"
	"github.com/notecortex/recall/internal/intent"
	"github.com/notecortex/recall/internal/noteclient"
)

// Engine runs the multi-path candidate recall and two-stage aggregation.
type Engine struct {
	cfg    *config.RecallConfig
	store  *index.Store
	client *noteclient.Client
	now    func() time.Time
}

// New constructs a retrieval Engine. client may be nil when the remote
// note store is unavailable — remote paths are then skipped rather than
// attempted (degraded-mode policy owned by the coordinator).
func New(cfg *config.RecallConfig, store *index.Store, client *noteclient.Client) *Engine {
	return &Engine{cfg: cfg, store: store, client: client, now: time.Now}
}

// Result is the outcome of a Retrieve call.
type Result struct {
	Docs  []Doc
	Error string
}

// Retrieve runs all enabled search paths concurrently, scores and
// deduplicates the results, applies the two-stage diversity cap, and
// aggregates surviving blocks into documents.
func (e *Engine) Retrieve(ctx context.Context, query string, it intent.Intent) Result {
	candidateLimit := e.cfg.TwoStage.CandidateLimitPerPath
	if candidateLimit <= 0 {
		candidateLimit = 100
	}

	paths := enabledPaths(e.cfg)
	results := e.runPathsAllSettled(ctx, paths, query, it, candidateLimit)
	now := e.now()
	for i := range results {
		scoreAll(results[i].blocks, query, it.Keywords, now)
	}

	merged := dedupeByID(results)
	if len(merged) == 0 {
		return Result{Error: "No results found"}
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })

	capped := applyDiversityCap(merged, e.perDocCap(), e.finalLimit())

	docs := aggregateDocs(capped, it.Keywords)
	docs = applyMinimumCoverageFilter(docs, it.Keywords)
	queryLower := strings.ToLower(query)
	var activeTopics []string
	for _, tk := range e.cfg.TopicKeywords {
		if tk != "" && strings.Contains(queryLower, strings.ToLower(tk)) {
			activeTopics = append(activeTopics, tk)
		}
	}
	docs = applyTopicNarrowing(docs, activeTopics)
	docs = applyAnchorNarrowing(docs, it.Keywords, e.cfg.TopicKeywords)

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	maxDocs := e.cfg.MaxDocs
	if maxDocs <= 0 {
		maxDocs = 5
	}
	if len(docs) > maxDocs {
		docs = docs[:maxDocs]
	}

	if len(docs) == 0 {
		return Result{Error: "No results found"}
	}
	return Result{Docs: docs}
}

// runPathsAllSettled launches one goroutine per enabled path and joins
// with partial-failure tolerance: a path's error contributes zero
// candidates rather than aborting the others.
func (e *Engine) runPathsAllSettled(ctx context.Context, paths []string, query string, it intent.Intent, limit int) []pathResult {
	var wg sync.WaitGroup
	results := make([]pathResult, len(paths))

	for i, p := range paths {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			switch p {
			case "fts":
				if e.store != nil {
					results[i] = searchFTSPath(ctx, e.store, query, it.Keywords, limit)
				}
			case "fulltext":
				if e.client != nil {
					results[i] = searchFulltextPath(ctx, e.client, query, limit)
				}
			case "sql":
				if e.client != nil {
					results[i] = searchSQLPath(ctx, e.client, it.Keywords, it.TimeRange, limit)
				}
			}
		}(i, p)
	}
	wg.Wait()
	return results
}

func (e *Engine) perDocCap() int {
	if e.cfg.TwoStage.PerDocBlockCap > 0 {
		return e.cfg.TwoStage.PerDocBlockCap
	}
	return 6
}

func (e *Engine) finalLimit() int {
	if e.cfg.TwoStage.FinalBlockLimit > 0 {
		return e.cfg.TwoStage.FinalBlockLimit
	}
	return 40
}

// dedupeByID keeps the highest-scored copy per block id across paths.
func dedupeByID(results []pathResult) []Block {
	best := make(map[string]Block)
	var order []string
	for _, r := range results {
		for _, b := range r.blocks {
			if b.ID == "" {
				continue
			}
			existing, ok := best[b.ID]
			if !ok {
				best[b.ID] = b
				order = append(order, b.ID)
				continue
			}
			if b.Score > existing.Score {
				best[b.ID] = b
			}
		}
	}
	out := make([]Block, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

func scoreAll(blocks []Block, query string, keywords []string, now time.Time) {
	queryLower := strings.ToLower(query)
	for i := range blocks {
		blocks[i].Score = Score(blocks[i], queryLower, keywords, now)
	}
}

// applyDiversityCap walks the sorted list, keeping at most perDocCap
// blocks per RootID, stopping once finalLimit blocks are collected.
func applyDiversityCap(sorted []Block, perDocCap, finalLimit int) []Block {
	counts := make(map[string]int)
	var out []Block
	for _, b := range sorted {
		if len(out) >= finalLimit {
			break
		}
		if counts[b.RootID] >= perDocCap {
			continue
		}
		out = append(out, b)
		counts[b.RootID]++
	}
	return out
}

// aggregateDocs groups blocks by RootID, dedupes near-identical content
// prefixes within a group, and scores each document per §4.E.
func aggregateDocs(blocks []Block, keywords []string) []Doc {
	groups := make(map[string]*Doc)
	var order []string
	for _, b := range blocks {
		d, ok := groups[b.RootID]
		if !ok {
			d = &Doc{RootID: b.RootID, Hpath: b.Hpath}
			groups[b.RootID] = d
			order = append(order, b.RootID)
		}
		if b.UpdatedAt != "" && d.UpdatedAt == "" {
			d.UpdatedAt = b.UpdatedAt
		}
		if dedupeAgainstGroup(d, b) {
			d.Blocks = append(d.Blocks, b)
		}
	}

	docs := make([]Doc, 0, len(order))
	for _, id := range order {
		d := groups[id]
		sort.SliceStable(d.Blocks, func(i, j int) bool { return d.Blocks[i].Score > d.Blocks[j].Score })
		d.Score = documentScore(d.Blocks)
		d.MatchedKeywords = matchedKeywords(d, keywords)
		if strings.Count(d.Hpath, "/") > 0 {
			for _, kw := range d.MatchedKeywords {
				if strings.Contains(strings.ToLower(d.Hpath), strings.ToLower(kw)) {
					d.Score += 0.1
				}
			}
		}
		docs = append(docs, *d)
	}
	return docs
}

// dedupeAgainstGroup drops a block whose normalized content prefix (<=800
// chars) collides with one already kept, preferring the higher score.
func dedupeAgainstGroup(d *Doc, b Block) bool {
	prefix := normalizedPrefix(b.Content)
	for i, existing := range d.Blocks {
		if normalizedPrefix(existing.Content) == prefix {
			if b.Score > existing.Score {
				d.Blocks[i] = b
			}
			return false
		}
	}
	return true
}

func normalizedPrefix(content string) string {
	c := strings.ToLower(strings.Join(strings.Fields(content), " "))
	if len(c) > 800 {
		c = c[:800]
	}
	return c
}

// documentScore implements (1 - e^(-avg_topN_block_score)) over the top-5
// block scores.
func documentScore(blocks []Block) float64 {
	n := len(blocks)
	if n > 5 {
		n = 5
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += blocks[i].Score
	}
	avg := sum / float64(n)
	return 1 - math.Exp(-avg)
}

func matchedKeywords(d *Doc, keywords []string) []string {
	var matched []string
	hpathLower := strings.ToLower(d.Hpath)
	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if strings.Contains(hpathLower, kwLower) {
			matched = append(matched, kw)
			continue
		}
		for _, b := range d.Blocks {
			if strings.Contains(strings.ToLower(b.Content), kwLower) {
				matched = append(matched, kw)
				break
			}
		}
	}
	return matched
}

func countCJK(keywords []string) int {
	n := 0
	for _, k := range keywords {
		for _, r := range k {
			if unicode.Is(unicode.Han, r) {
				n++
				break
			}
		}
	}
	return n
}

// applyMinimumCoverageFilter requires matchedCount>=2 for CJK-heavy short
// intents, else >=1; falls back to the unfiltered set if it would empty.
func applyMinimumCoverageFilter(docs []Doc, keywords []string) []Doc {
	min := 1
	if countCJK(keywords) >= 2 && len(keywords) <= 4 {
		min = 2
	}
	var filtered []Doc
	for _, d := range docs {
		if len(d.MatchedKeywords) >= min {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) == 0 {
		return docs
	}
	return filtered
}

// applyTopicNarrowing retains only docs whose hpath or a block's first line,
// when that line is a markdown heading, contains one of topicKeywords.
// Retrieve passes only the configured topic keywords that occur in the
// query, so no narrowing happens when the query names no topic.
func applyTopicNarrowing(docs []Doc, topicKeywords []string) []Doc {
	if len(topicKeywords) == 0 {
		return docs
	}
	var narrowed []Doc
	for _, d := range docs {
		for _, tk := range topicKeywords {
			tkLower := strings.ToLower(tk)
			if strings.Contains(strings.ToLower(d.Hpath), tkLower) {
				narrowed = append(narrowed, d)
				break
			}
			for _, b := range d.Blocks {
				fl := strings.TrimSpace(firstLine(b.Content))
				if strings.HasPrefix(fl, "#") && strings.Contains(strings.ToLower(fl), tkLower) {
					narrowed = append(narrowed, d)
					break
				}
			}
		}
	}
	if len(narrowed) == 0 {
		return docs
	}
	return dedupeDocsByID(narrowed)
}

// applyAnchorNarrowing retains only docs whose coverage includes at least
// one of the up-to-2 longest non-topic keywords.
func applyAnchorNarrowing(docs []Doc, keywords, topicKeywords []string) []Doc {
	topicSet := make(map[string]bool, len(topicKeywords))
	for _, t := range topicKeywords {
		topicSet[strings.ToLower(t)] = true
	}
	var nonTopic []string
	for _, k := range keywords {
		if !topicSet[strings.ToLower(k)] {
			nonTopic = append(nonTopic, k)
		}
	}
	sort.SliceStable(nonTopic, func(i, j int) bool { return len(nonTopic[i]) > len(nonTopic[j]) })
	if len(nonTopic) > 2 {
		nonTopic = nonTopic[:2]
	}
	if len(nonTopic) == 0 {
		return docs
	}

	var narrowed []Doc
docLoop:
	for _, d := range docs {
		for _, anchor := range nonTopic {
			for _, mk := range d.MatchedKeywords {
				if strings.EqualFold(mk, anchor) {
					narrowed = append(narrowed, d)
					continue docLoop
				}
			}
		}
	}
	if len(narrowed) == 0 {
		return docs
	}
	return narrowed
}

func dedupeDocsByID(docs []Doc) []Doc {
	seen := make(map[string]bool)
	var out []Doc
	for _, d := range docs {
		if !seen[d.RootID] {
			seen[d.RootID] = true
			out = append(out, d)
		}
	}
	return out
}

func firstLine(content string) string {
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		return content[:i]
	}
	return content
}
