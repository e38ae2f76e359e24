package archive

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientStore(t *testing.T) {
	var got storeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/records" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(storeResponse{ID: "r1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	id, err := c.Store(context.Background(), "alice", map[string]any{"x": 1}, ScopeMessages, KindContent)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if id != "r1" {
		t.Fatalf("id %q", id)
	}
	if got.AgentID != "alice" || got.Scope != ScopeMessages || got.Kind != KindContent {
		t.Fatalf("request body %+v", got)
	}
}

func TestClientSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("query") != "hello" || q.Get("scope") != ScopeAudit || q.Get("limit") != "5" {
			t.Errorf("unexpected query %v", q)
		}
		json.NewEncoder(w).Encode(searchResponse{Records: []Record{{ID: "r1", AgentID: "alice"}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	records, err := c.Search(context.Background(), "hello", SearchOptions{Scope: ScopeAudit, Limit: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].ID != "r1" {
		t.Fatalf("records %+v", records)
	}
}

func TestClientUpdate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/records/m1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	if err := c.Update(context.Background(), "m1", map[string]any{"x": 2}, ScopeMessages); err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestBreakerOpensOnRepeatedFailure(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		if _, err := c.Store(context.Background(), "alice", nil, ScopeMessages, KindContent); err == nil {
			t.Fatalf("expected failure")
		}
	}

	// The sixth call must be rejected without touching the server.
	before := hits
	if _, err := c.Store(context.Background(), "alice", nil, ScopeMessages, KindContent); err == nil {
		t.Fatalf("expected open breaker")
	}
	if hits != before {
		t.Fatalf("open breaker still reached the server")
	}
}
