// Package recallctx composes the bounded markdown context block injected
// before an agent answers, honoring a token budget and keeping the
// open/close markers bit-stable across versions.
package recallctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/mdombrov-33/go-promptguard/detector"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/linkdoc"
	"github.com/notecortex/recall/internal/retrieval"
)

const (
	openMarker  = "<recalled-notes>"
	closeMarker = "</recalled-notes>"
	preamble    = "Relevant notes for this prompt:"
)

// guard is the package-level prompt-injection detector, initialized once.
// Note content is untrusted (it round-trips through a remote store a
// malicious actor may have written to) so every rendered block is
// screened before it enters the context window.
var guard = detector.New(
	detector.WithThreshold(0.6),
	detector.WithAllDetectors(),
	detector.WithMaxInputLength(4000),
)

// EstimateTokens approximates token count as len(text)/4, matching
// maxChars = maxTokens * 4 in the budget check below.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Format renders docs and linked-doc references into a single bounded
// string. Documents are truncated in order until the token budget is
// exhausted; a document that doesn't fit is dropped entirely rather than
// cut mid-render, except linked docs which may be truncated with "...".
func Format(cfg *config.RecallConfig, docs []retrieval.Doc, linked []linkdoc.Reference) string {
	maxTokens := cfg.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	maxChars := maxTokens * 4

	var parts []string
	used := len(preamble)

	for _, ref := range linked {
		rendered, ok := renderLinkedDoc(ref, maxChars-used)
		if !ok {
			continue
		}
		parts = append(parts, rendered)
		used += len(rendered)
	}

	blockExcerptMax := cfg.BlockExcerptMaxChars
	if blockExcerptMax <= 0 {
		blockExcerptMax = 540
	}

	for _, d := range docs {
		rendered := renderDoc(d, blockExcerptMax)
		if used+len(rendered) > maxChars {
			continue
		}
		parts = append(parts, rendered)
		used += len(rendered)
	}

	if len(parts) == 0 {
		return ""
	}

	body := strings.Join(parts, "\n---\n")
	out := fmt.Sprintf("%s\n%s\n\n%s\n%s\n", openMarker, preamble, body, closeMarker)
	if len(out) > maxChars+len(openMarker)+len(closeMarker)+32 {
		// Defensive trim in case a single linked doc still overruns the
		// budget after its own truncation.
		out = truncateRunes(out, maxChars) + "\n" + closeMarker + "\n"
	}
	return out
}

// truncateRunes cuts s to at most max runes, never splitting a multibyte
// character (note content is frequently CJK).
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

const minLinkedRoom = 60

func renderLinkedDoc(ref linkdoc.Reference, room int) (string, bool) {
	hpath := ref.Hpath
	if hpath == "" {
		hpath = "[linked:" + ref.ID + "]"
	}
	header := fmt.Sprintf("## 🔗 %s (%s)", hpath, ref.UpdatedAt)
	md := sanitizeForInjection(ref.Markdown)

	fenceOverhead := len(header) + len("\n```markdown\n```\n")
	available := room - fenceOverhead
	if available < minLinkedRoom {
		return "", false
	}
	if len(md) > available {
		md = truncateRunes(md, available) + "..."
	}
	return fmt.Sprintf("%s\n```markdown\n%s\n```", header, md), true
}

func renderDoc(d retrieval.Doc, blockExcerptMax int) string {
	header := fmt.Sprintf("## 📄 %s (%s)", d.Hpath, d.UpdatedAt)
	var lines []string
	lines = append(lines, header)

	n := len(d.Blocks)
	if n > 5 {
		n = 5
	}
	for i := 0; i < n; i++ {
		b := d.Blocks[i]
		title, rest := splitFirstLine(b.Content)
		lines = append(lines, "- "+sanitizeForInjection(title))
		if rest != "" {
			excerpt := sanitizeForInjection(rest)
			if len(excerpt) > blockExcerptMax {
				excerpt = truncateRunes(excerpt, blockExcerptMax) + "..."
			}
			lines = append(lines, "  "+excerpt)
		}
	}
	return strings.Join(lines, "\n")
}

func splitFirstLine(content string) (title, rest string) {
	idx := strings.IndexByte(content, '\n')
	if idx < 0 {
		return content, ""
	}
	return content[:idx], strings.TrimSpace(content[idx+1:])
}

// sanitizeForInjection screens rendered content through the prompt-guard
// detector and degrades a detected block to a brief placeholder, so one
// compromised note doesn't blind recall for the rest of the context.
func sanitizeForInjection(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	stripped := sanitizeContextTags(text)
	if len(stripped) == 0 {
		return stripped
	}
	result := guard.Detect(context.Background(), stripped)
	if !result.Safe {
		return "[content withheld: possible prompt injection detected]"
	}
	return stripped
}

// sanitizeContextTags neutralizes structural XML tags that could break the
// open/close marker wrapper, preventing a malicious note from injecting
// its own close-marker-then-system-instruction sequence.
func sanitizeContextTags(text string) string {
	r := strings.NewReplacer(
		openMarker, "[recalled-notes]",
		closeMarker, "[/recalled-notes]",
		"<system>", "[system]",
		"</system>", "[/system]",
	)
	return r.Replace(text)
}
