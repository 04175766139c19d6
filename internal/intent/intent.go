// Package intent decides whether a prompt warrants a recall search and
// extracts the keywords, time range, and intent type driving retrieval.
package intent

import (
	"regexp"
	"strings"
	"time"

	"github.com/notecortex/recall/internal/config"
)

// GateDecision reports whether recall should run and why.
type GateDecision struct {
	Should bool
	Reason string
}

// TimeRange is a detected relative date window, e.g. "last week" -> 7 days.
type TimeRange struct {
	Days  int
	Since time.Time
}

// Intent is the analysis result driving the retrieval engine.
type Intent struct {
	Keywords  []string
	TimeRange *TimeRange
	Type      string // chat, command, review, search, query
}

// Analyzer evaluates gating and extracts intent from a prompt.
type Analyzer struct {
	cfg *config.RecallConfig
	now func() time.Time
}

// New constructs an Analyzer bound to the recall configuration.
func New(cfg *config.RecallConfig) *Analyzer {
	return &Analyzer{cfg: cfg, now: time.Now}
}

// Gate evaluates the ordered gating rules of §4.D. hasLinkedDoc reports
// whether the linked-doc resolver (independent of this analyzer) found a
// reference in the prompt — that alone forces recall regardless of length.
func (a *Analyzer) Gate(prompt string, hasLinkedDoc bool) GateDecision {
	trimmed := strings.TrimSpace(prompt)
	normalized := strings.ToLower(trimmed)

	for _, phrase := range a.cfg.ExplicitSkipPhrases {
		if strings.Contains(normalized, strings.ToLower(phrase)) {
			return GateDecision{false, "explicit_skip"}
		}
	}

	for _, phrase := range a.cfg.ExplicitForcePhrases {
		if strings.Contains(normalized, strings.ToLower(phrase)) {
			return GateDecision{true, "explicit_force"}
		}
	}

	if hasLinkedDoc {
		return GateDecision{true, "linked_doc"}
	}

	if len([]rune(trimmed)) < a.cfg.MinPromptLength {
		return GateDecision{false, "too_short"}
	}

	if isGreeting(normalized) {
		return GateDecision{false, "greeting"}
	}

	itype := DetectType(trimmed)
	for _, skip := range a.cfg.SkipIntentTypes {
		if itype == skip {
			return GateDecision{false, "intent_" + itype}
		}
	}

	return GateDecision{true, "default"}
}

// forcePhraseConnectors are leading words stripped from what's left after a
// force phrase is removed, so "search my notes for X" and "search my notes
// about X" both collapse to "X".
var forcePhraseConnectors = []string{"for ", "about ", "on ", "regarding "}

// StripForcePhrase removes the first configured force phrase found in the
// prompt (at the start or anywhere else), then one leading connector word
// from the remainder, e.g. "search my notes for Rust ownership rules" ->
// "Rust ownership rules".
func (a *Analyzer) StripForcePhrase(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)
	for _, phrase := range a.cfg.ExplicitForcePhrases {
		lp := strings.ToLower(phrase)
		if strings.HasPrefix(lower, lp) {
			return stripLeadingConnector(strings.TrimSpace(trimmed[len(phrase):]))
		}
		if idx := strings.Index(lower, lp); idx >= 0 {
			return stripLeadingConnector(strings.TrimSpace(trimmed[:idx] + trimmed[idx+len(phrase):]))
		}
	}
	return trimmed
}

func stripLeadingConnector(s string) string {
	lower := strings.ToLower(s)
	for _, c := range forcePhraseConnectors {
		if strings.HasPrefix(lower, c) {
			return strings.TrimSpace(s[len(c):])
		}
	}
	return s
}

// Analyze extracts keywords, time range, and intent type.
func (a *Analyzer) Analyze(prompt string) Intent {
	return Intent{
		Keywords:  ExtractKeywords(prompt, a.cfg.MaxKeywords),
		TimeRange: detectTimeRange(prompt, a.now()),
		Type:      DetectType(prompt),
	}
}

var reviewWords = []string{"回顾", "review", "总结", "summary"}
var searchWords = []string{"查找", "search", "找", "find"}

// DetectType classifies a prompt into chat/command/review/search/query.
func DetectType(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)
	if isGreeting(lower) {
		return "chat"
	}
	if strings.HasPrefix(trimmed, "/") {
		return "command"
	}
	for _, w := range reviewWords {
		if strings.Contains(lower, strings.ToLower(w)) || strings.Contains(trimmed, w) {
			return "review"
		}
	}
	for _, w := range searchWords {
		if strings.Contains(lower, strings.ToLower(w)) || strings.Contains(trimmed, w) {
			return "search"
		}
	}
	return "query"
}

var greetingPhrases = map[string]bool{
	"hi": true, "hey": true, "hello": true, "你好": true, "嗨": true,
	"thanks": true, "thank you": true, "谢谢": true,
	"ok": true, "okay": true, "好的": true, "好": true,
	"bye": true, "goodbye": true, "再见": true,
}

var greetingRe = regexp.MustCompile(`^(hi|hey|hello|howdy)[!.,]*$`)

func isGreeting(normalized string) bool {
	trimmed := strings.TrimRight(strings.TrimSpace(normalized), ".!?,;:")
	if greetingPhrases[trimmed] {
		return true
	}
	return greetingRe.MatchString(trimmed)
}

var timeRangePhrases = []struct {
	phrase string
	days   int
}{
	{"上周", 7}, {"last week", 7},
	{"今天", 1}, {"today", 1},
	{"最近", 30}, {"recent", 30}, {"recently", 30},
	{"昨天", 1}, {"yesterday", 1},
	{"本月", 30}, {"this month", 30},
}

func detectTimeRange(prompt string, now time.Time) *TimeRange {
	lower := strings.ToLower(prompt)
	for _, tp := range timeRangePhrases {
		if strings.Contains(prompt, tp.phrase) || strings.Contains(lower, tp.phrase) {
			return &TimeRange{Days: tp.days, Since: now.AddDate(0, 0, -tp.days)}
		}
	}
	return nil
}
