// Package linkdoc extracts note-store document ids referenced by URLs or
// bare id patterns in a prompt, and fetches their markdown.
package linkdoc

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/noteclient"
)

// idPattern matches the note store's 22-char doc/block id shape:
// 14 digits, a hyphen, 7 lowercase-alphanumeric characters.
var idPattern = regexp.MustCompile(`\b\d{14}-[a-z0-9]{7}\b`)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// Reference is a resolved linked document.
type Reference struct {
	ID        string
	Hpath     string
	UpdatedAt string
	Markdown  string
}

// Resolver extracts and fetches linked documents from a prompt.
type Resolver struct {
	cfg    *config.LinkedDocConfig
	client *noteclient.Client
}

// New constructs a Resolver.
func New(cfg *config.LinkedDocConfig, client *noteclient.Client) *Resolver {
	return &Resolver{cfg: cfg, client: client}
}

// HasReference reports whether the prompt contains an extractable link,
// without performing network I/O. Used by the intent gate (§4.D rule 3)
// independent of whether resolution is later allowed to run.
func (r *Resolver) HasReference(prompt string) bool {
	return len(r.extractIDs(prompt)) > 0
}

// extractIDs implements §4.F steps 1-4: URL extraction with host-keyword
// allowlisting, id extraction from query params/path segments, bare-id
// fallback, dedup, and cap at maxCount.
func (r *Resolver) extractIDs(prompt string) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	maxCount := r.cfg.MaxCount
	if maxCount <= 0 {
		maxCount = 3
	}

	sawAllowedURL := false
	for _, raw := range urlPattern.FindAllString(prompt, -1) {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if len(r.cfg.HostKeywords) > 0 {
			if !hostMatches(u, r.cfg.HostKeywords) {
				continue
			}
		}
		sawAllowedURL = true
		for _, id := range idPattern.FindAllString(u.Query().Get("id"), -1) {
			add(id)
		}
		for _, id := range idPattern.FindAllString(u.Path, -1) {
			add(id)
		}
		for _, id := range idPattern.FindAllString(raw, -1) {
			add(id)
		}
		if len(ids) >= maxCount {
			return ids[:maxCount]
		}
	}

	// Bare ids in the prompt text: only when no host-keyword allowlist is
	// configured, or once an allowed URL has already been seen.
	if len(r.cfg.HostKeywords) == 0 || sawAllowedURL {
		for _, id := range idPattern.FindAllString(prompt, -1) {
			add(id)
			if len(ids) >= maxCount {
				break
			}
		}
	}

	if len(ids) > maxCount {
		ids = ids[:maxCount]
	}
	return ids
}

func hostMatches(u *url.URL, keywords []string) bool {
	href := strings.ToLower(u.String())
	host := strings.ToLower(u.Hostname())
	for _, kw := range keywords {
		kw = strings.ToLower(kw)
		if strings.Contains(host, kw) || strings.Contains(href, kw) {
			return true
		}
	}
	return false
}

// Resolve fetches markdown for each extracted id. A failure for one id
// does not block the others; its entry is skipped.
func (r *Resolver) Resolve(ctx context.Context, prompt string) []Reference {
	if r.client == nil {
		return nil
	}
	ids := r.extractIDs(prompt)
	refs := make([]Reference, 0, len(ids))
	for _, id := range ids {
		md, err := r.client.GetBlockKramdown(ctx, id)
		if err != nil {
			continue
		}
		ref := Reference{ID: id, Markdown: sanitizeKramdown(md)}
		if info, err := r.client.GetBlockInfo(ctx, id); err == nil {
			ref.Hpath = info.Hpath
			ref.UpdatedAt = info.UpdatedAt
		} else {
			ref.Hpath = "[linked:" + id + "]"
		}
		refs = append(refs, ref)
	}
	return refs
}

// kramdownAttrRe matches standalone attribute lines like "{: id="..." updated="..."}".
var kramdownAttrRe = regexp.MustCompile(`(?m)^\{:[^\n}]*\}\s*$`)

// inlineAttrRe matches inline attribute blobs trailing a line, e.g. "text{: a="b"}".
var inlineAttrRe = regexp.MustCompile(`\{:[^{}\n]*\}`)

// sanitizeKramdown strips kramdown attribute syntax, leaving plain markdown.
func sanitizeKramdown(kramdown string) string {
	s := kramdownAttrRe.ReplaceAllString(kramdown, "")
	s = inlineAttrRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}
