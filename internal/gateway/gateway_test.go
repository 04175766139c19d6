package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/notecortex/recall/internal/coordinator"
)

func writeOK(w http.ResponseWriter, data any) {
	body, _ := json.Marshal(map[string]any{"code": 0, "msg": "", "data": data})
	w.Write(body)
}

func newTestCoordinator(t *testing.T, handler http.HandlerFunc) *coordinator.Coordinator {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("RECALL_DB_PATH", t.TempDir()+"/index.db")

	c, err := coordinator.Register("", map[string]any{"siyuan.apiUrl": srv.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(c.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.EnsureInitialized(ctx)
	return c
}

func TestBeforeAgentStartGatesShortPrompt(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system/version":
			writeOK(w, map[string]string{"version": "1.0"})
		case "/api/notebook/lsNotebooks":
			writeOK(w, map[string]any{"notebooks": []map[string]string{}})
		case "/api/query/sql":
			writeOK(w, []map[string]any{})
		}
	})
	gw := New(c, zerolog.Nop())
	res := gw.BeforeAgentStart(context.Background(), PromptEvent{Prompt: "hi"})
	if res.PrependContext != "" {
		t.Fatalf("expected no context for a too-short greeting, got %q", res.PrependContext)
	}
}

func TestBeforeAgentStartRendersLinkedDocEvenWhenRecallFindsNothing(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system/version":
			writeOK(w, map[string]string{"version": "1.0"})
		case "/api/notebook/lsNotebooks":
			writeOK(w, map[string]any{"notebooks": []map[string]string{}})
		case "/api/query/sql":
			writeOK(w, []map[string]any{})
		case "/api/block/getBlockKramdown":
			writeOK(w, map[string]string{"id": "20220802180638-lhtbfty", "kramdown": "# Linked\nbody"})
		case "/api/block/getBlockInfo":
			writeOK(w, map[string]string{"hpath": "/Notes/linked", "updated": "2026-01-01"})
		}
	})
	gw := New(c, zerolog.Nop())
	prompt := "please look at http://127.0.0.1:9081?id=20220802180638-lhtbfty for details"
	res := gw.BeforeAgentStart(context.Background(), PromptEvent{Prompt: prompt})
	if res.PrependContext == "" {
		t.Fatal("expected linked-doc context to render even with no search results")
	}
}

func TestAgentEndDoesNotPanic(t *testing.T) {
	c := newTestCoordinator(t, func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]any{})
	})
	gw := New(c, zerolog.Nop())
	gw.AgentEnd(context.Background(), EndEvent{Success: true, Channel: "chat", SessionID: "s1"})
}
