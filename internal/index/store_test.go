package index

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIndexDocumentThenSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doc := Doc{
		DocID:     "d1",
		Title:     "Rust Ownership",
		Hpath:     "/Notebook/rust-ownership",
		UpdatedAt: "2026-01-01T00:00:00Z",
		Content:   "Rust ownership rules govern memory safety.",
		Sections: []Section{
			{ID: "d1::h2::0", Content: "## Borrowing\nReferences borrow without owning."},
		},
	}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("IndexDocument: %v", err)
	}

	rows, err := s.Search(ctx, "ownership", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("expected at least one match for 'ownership'")
	}
}

func TestIndexDocumentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Doc{DocID: "d1", Title: "T", Hpath: "/NB/t", UpdatedAt: "now", Content: "alpha beta"}

	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("first index: %v", err)
	}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("second index: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalDocs != 1 {
		t.Fatalf("expected 1 doc, got %d", st.TotalDocs)
	}
	if st.TotalBlocks != 1 {
		t.Fatalf("expected 1 block (doc-level only, no duplication), got %d", st.TotalBlocks)
	}
}

func TestReindexReplacesSections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Doc{DocID: "d1", Title: "T", Hpath: "/NB/t", UpdatedAt: "t0", Content: "alpha",
		Sections: []Section{{ID: "d1::h2::0", Content: "one"}, {ID: "d1::h2::1", Content: "two"}}}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("index: %v", err)
	}

	doc2 := Doc{DocID: "d1", Title: "T2", Hpath: "/NB/t", UpdatedAt: "t1", Content: "alpha2",
		Sections: []Section{{ID: "d1::h2::0", Content: "only-one"}}}
	if err := s.IndexDocument(ctx, doc2); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	// doc-level content + 1 section = 2 blocks, not 3 (no duplicate-append).
	if st.TotalBlocks != 2 {
		t.Fatalf("expected 2 blocks after reindex, got %d", st.TotalBlocks)
	}
}

func TestExcludedNotebookLeavesNoTrace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.SetExcludedNotebookNames([]string{"Private"})

	doc := Doc{DocID: "d1", Title: "Secret", NotebookName: "Private", Hpath: "/Private/secret", UpdatedAt: "t0", Content: "shh"}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("index: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalDocs != 0 || st.TotalBlocks != 0 {
		t.Fatalf("expected no trace of excluded notebook doc, got %+v", st)
	}
}

func TestMarkDeletedHidesFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Doc{DocID: "d1", Title: "T", Hpath: "/NB/t", UpdatedAt: "t0", Content: "findme unique token"}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := s.MarkDeleted(ctx, "d1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	rows, err := s.Search(ctx, "findme", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no rows for deleted doc, got %d", len(rows))
	}
}

func TestCleanupOldDeletedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := Doc{DocID: "d1", Title: "T", Hpath: "/NB/t", UpdatedAt: "t0", Content: "x"}
	if err := s.IndexDocument(ctx, doc); err != nil {
		t.Fatalf("index: %v", err)
	}
	if err := s.MarkDeleted(ctx, "d1"); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}

	n1, err := s.CleanupOldDeleted(ctx, -1) // treat as already expired
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n1 != 1 {
		t.Fatalf("expected 1 row cleaned, got %d", n1)
	}
	n2, err := s.CleanupOldDeleted(ctx, -1)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected idempotent no-op, got %d", n2)
	}
}

func TestSyncTimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	got, err := s.GetLastSyncTime(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty initial sync time, got %q", got)
	}
	if err := s.UpdateSyncTime(ctx, "2026-01-01T00:00:00Z"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = s.GetLastSyncTime(ctx)
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got != "2026-01-01T00:00:00Z" {
		t.Fatalf("unexpected sync time: %q", got)
	}
}
