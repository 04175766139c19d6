package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeOK(w http.ResponseWriter, data any) {
	body, _ := json.Marshal(map[string]any{"code": 0, "msg": "", "data": data})
	w.Write(body)
}

func TestRegisterConstructsHandlesSynchronously(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system/version":
			writeOK(w, map[string]string{"version": "1.0"})
		case "/api/notebook/lsNotebooks":
			writeOK(w, map[string]any{"notebooks": []map[string]string{}})
		case "/api/query/sql":
			writeOK(w, []map[string]any{})
		}
	}))
	defer srv.Close()

	t.Setenv("RECALL_DB_PATH", t.TempDir()+"/index.db")
	overrides := map[string]any{
		"siyuan.apiUrl": srv.URL,
	}
	c, err := Register("", overrides, zerolog.Nop())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer c.Shutdown()

	if c.Client == nil || c.Intent == nil || c.LinkDoc == nil || c.Retrieve == nil {
		t.Fatal("expected handles constructed synchronously even before background init completes")
	}
}

func TestEnsureInitializedReturnsAfterBackgroundTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/system/version":
			writeOK(w, map[string]string{"version": "1.0"})
		case "/api/notebook/lsNotebooks":
			writeOK(w, map[string]any{"notebooks": []map[string]string{}})
		case "/api/query/sql":
			writeOK(w, []map[string]any{})
		}
	}))
	defer srv.Close()

	t.Setenv("RECALL_DB_PATH", t.TempDir()+"/index.db")
	c, err := Register("", map[string]any{"siyuan.apiUrl": srv.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	defer c.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.EnsureInitialized(ctx)

	if !c.Available() {
		t.Fatal("expected note store marked available after successful health check")
	}
}

func TestEnsureAvailableFalseWithoutClient(t *testing.T) {
	c := &Coordinator{
		Config: nil,
		log:    zerolog.Nop(),
		ready:  make(chan struct{}),
		stopCh: make(chan struct{}),
	}
	close(c.ready)
	if c.EnsureAvailable(context.Background()) {
		t.Fatal("expected false when no client is configured")
	}
}
