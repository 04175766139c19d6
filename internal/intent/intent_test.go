package intent

import (
	"testing"
	"time"

	"github.com/notecortex/recall/internal/config"
)

func newAnalyzer() *Analyzer {
	cfg := config.Default()
	return New(&cfg.Recall)
}

func TestGateExplicitSkip(t *testing.T) {
	a := newAnalyzer()
	d := a.Gate("please don't recall anything about this", false)
	if d.Should || d.Reason != "explicit_skip" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGateExplicitForce(t *testing.T) {
	a := newAnalyzer()
	d := a.Gate("search my notes for Rust ownership rules", false)
	if !d.Should || d.Reason != "explicit_force" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestStripForcePhrase(t *testing.T) {
	a := newAnalyzer()
	got := a.StripForcePhrase("search my notes for Rust ownership rules")
	if got != "Rust ownership rules" {
		t.Fatalf("unexpected stripped prompt: %q", got)
	}
}

func TestGateLinkedDocBypassesMinLength(t *testing.T) {
	a := newAnalyzer()
	d := a.Gate("short", true)
	if !d.Should || d.Reason != "linked_doc" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGateTooShort(t *testing.T) {
	a := newAnalyzer()
	d := a.Gate("short", false)
	if d.Should || d.Reason != "too_short" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGateGreeting(t *testing.T) {
	cfg := config.Default()
	cfg.Recall.MinPromptLength = 0
	a2 := New(&cfg.Recall)
	d := a2.Gate("hello", false)
	if d.Should || d.Reason != "greeting" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestGateSlashCommandSkipped(t *testing.T) {
	a := newAnalyzer()
	d := a.Gate("/help please show commands", false)
	if d.Should || d.Reason != "intent_command" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestDetectTypeVariants(t *testing.T) {
	cases := map[string]string{
		"hello":                    "chat",
		"/help":                    "command",
		"can you review my notes":  "review",
		"search for rust ownership": "search",
		"what is the capital":      "query",
	}
	for prompt, want := range cases {
		if got := DetectType(prompt); got != want {
			t.Fatalf("DetectType(%q) = %q, want %q", prompt, got, want)
		}
	}
}

func TestExtractKeywordsLatin(t *testing.T) {
	kws := ExtractKeywords("tell me about Rust ownership rules", 12)
	found := false
	for _, k := range kws {
		if k == "ownership" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected 'ownership' among keywords, got %v", kws)
	}
}

func TestExtractKeywordsCJKRun(t *testing.T) {
	kws := ExtractKeywords("告诉我关于简历的笔记", 12)
	if len(kws) == 0 {
		t.Fatal("expected at least one CJK keyword")
	}
}

func TestExtractKeywordsCapsAtMax(t *testing.T) {
	kws := ExtractKeywords("alpha bravo charlie delta echo foxtrot golf hotel india juliet kilo lima mike", 5)
	if len(kws) != 5 {
		t.Fatalf("expected 5 keywords, got %d", len(kws))
	}
}

func TestDetectTimeRangeLastWeek(t *testing.T) {
	tr := detectTimeRange("what did I write last week", time.Now())
	if tr == nil || tr.Days != 7 {
		t.Fatalf("expected 7-day range, got %+v", tr)
	}
}

