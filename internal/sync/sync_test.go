package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/config"
	"github.com/notecortex/recall/internal/index"
	"github.com/notecortex/recall/internal/noteclient"
)

func writeJSON(w http.ResponseWriter, code int, data any) {
	body, _ := json.Marshal(map[string]any{"code": 0, "msg": "", "data": data})
	w.Write(body)
}

func TestInitialSyncIndexesDocsAndSetsSyncTime(t *testing.T) {
	var sqlCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notebook/lsNotebooks":
			writeJSON(w, 0, map[string]any{"notebooks": []map[string]string{{"id": "nb1", "name": "Personal"}}})
		case "/api/query/sql":
			sqlCalls++
			if sqlCalls == 1 {
				writeJSON(w, 0, []map[string]any{{"id": "doc1"}})
			} else {
				writeJSON(w, 0, []map[string]any{})
			}
		case "/api/block/getBlockKramdown":
			writeJSON(w, 0, map[string]string{"id": "doc1", "kramdown": "# Title\nBody content here."})
		case "/api/block/getBlockInfo":
			writeJSON(w, 0, map[string]string{"hpath": "/Personal/doc1", "updated": "2026-01-01T00:00:00Z"})
		}
	}))
	defer srv.Close()

	client := noteclient.New(srv.URL, "tok", 2*time.Second, zerolog.Nop())
	store, err := index.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.Default()
	svc := New(&cfg.Index, client, store, zerolog.Nop())

	if err := svc.InitialSync(context.Background()); err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDocs != 1 {
		t.Fatalf("expected 1 doc indexed, got %d", stats.TotalDocs)
	}
	if stats.LastSync == "" {
		t.Fatal("expected lastSyncTime to be set")
	}
}

func TestExcludedNotebookSkippedDuringInitialSync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notebook/lsNotebooks":
			writeJSON(w, 0, map[string]any{"notebooks": []map[string]string{{"id": "nb1", "name": "Private"}}})
		case "/api/query/sql":
			t.Fatal("should not page an excluded notebook")
		}
	}))
	defer srv.Close()

	client := noteclient.New(srv.URL, "tok", 2*time.Second, zerolog.Nop())
	store, err := index.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	cfg := config.Default()
	cfg.Index.SkipNotebookNames = []string{"Private"}
	svc := New(&cfg.Index, client, store, zerolog.Nop())

	if err := svc.InitialSync(context.Background()); err != nil {
		t.Fatalf("initial sync: %v", err)
	}
}

func TestDedupLinesCollapsesListPrefixVariants(t *testing.T) {
	content := "1. apple\n- apple\napple\nbanana"
	got := dedupLines(content, 200, true)
	if got == content {
		t.Fatal("expected list-prefix variants of the same line to be deduped")
	}
}

func TestSplitSectionsRespectsConfiguredLevels(t *testing.T) {
	md := "# Top\nintro\n## One\nfirst section\n## Two\nsecond section\n"
	sections := splitSections("doc1", md, []int{2}, 1200, 200, true)
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
}

func TestSplitSectionsNoMatchingLevelProducesNone(t *testing.T) {
	md := "# Top\nintro\n## One\nfirst\n"
	sections := splitSections("doc1", md, []int{3}, 1200, 200, true)
	if len(sections) != 0 {
		t.Fatalf("expected no sections for unmatched level, got %d", len(sections))
	}
}

func TestSanitizeKramdownStripsAttrs(t *testing.T) {
	got := sanitizeKramdown("# Title\n{: id=\"x\"}\nBody{: a=\"1\"} more.")
	if got == "" {
		t.Fatal("expected non-empty sanitized output")
	}
}
