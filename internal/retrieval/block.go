// Package retrieval implements the multi-path candidate recall, scoring,
// diversity cap, and document-aggregation pipeline.
package retrieval

import (
	"math"
	"strings"
	"time"
)

// Source identifies which search path produced a Block.
type Source string

const (
	SourceFTS      Source = "fts"
	SourceFulltext Source = "fulltext"
	SourceSQL      Source = "sql"
	SourceLinked   Source = "linked_doc"
)

// Block is the unit returned by any search path, normalized into a single
// shape regardless of field-naming differences across paths.
type Block struct {
	ID        string
	RootID    string // doc id
	Hpath     string
	Content   string
	UpdatedAt string
	Source    Source
	Score     float64
	// Rank is a native FTS rank (smaller is better), if the path supplied one.
	Rank *float64
}

// Doc is an aggregated document: a group of blocks sharing a RootID.
type Doc struct {
	RootID          string
	Hpath           string
	UpdatedAt       string
	Blocks          []Block
	Score           float64
	MatchedKeywords []string
	// Markdown carries full content for linked docs (§4.F); empty otherwise.
	Markdown string
}

// baseWeight returns the per-source scoring weight from §4.E.
func baseWeight(s Source) float64 {
	switch s {
	case SourceFTS:
		return 1.0
	case SourceFulltext:
		return 0.9
	case SourceSQL:
		return 0.75
	default:
		return 1.0
	}
}

// Score implements §4.E's stage-2 per-block scoring.
func Score(b Block, queryLower string, keywords []string, now time.Time) float64 {
	var sum float64
	contentLower := strings.ToLower(b.Content)
	hpathLower := strings.ToLower(b.Hpath)

	if len(queryLower) >= 3 {
		if strings.Contains(contentLower, queryLower) {
			sum += 1.2
		}
		if strings.Contains(hpathLower, queryLower) {
			sum += 0.6
		}
	}

	for _, kw := range keywords {
		kwLower := strings.ToLower(kw)
		if kwLower == "" {
			continue
		}
		if strings.Contains(contentLower, kwLower) {
			sum += 0.35
		}
		if strings.Contains(hpathLower, kwLower) {
			sum += 0.15
		}
	}

	if b.UpdatedAt != "" {
		if t, err := time.Parse(time.RFC3339, b.UpdatedAt); err == nil {
			days := now.Sub(t).Hours() / 24
			recency := 0.3 - days*0.01
			if recency > 0 {
				sum += recency
			}
		}
	}

	if b.Rank != nil {
		rankBonus := 0.8 - math.Min(0.8, *b.Rank)
		if rankBonus > 0 {
			sum += rankBonus
		}
	}

	return sum * baseWeight(b.Source)
}
