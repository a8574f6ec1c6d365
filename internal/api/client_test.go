package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"punchctl/internal/model"
)

func TestClient_ErrorIncludesBody(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer s.Close()

	c := NewClient(s.URL)
	_, err := c.Groups(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	got := err.Error()
	if got == "" || got[len(got)-1] == '\n' {
		t.Fatalf("unexpected error string: %q", got)
	}
	if want := "400"; !strings.Contains(got, want) {
		t.Fatalf("error missing status: %q", got)
	}
	if want := `"error":"nope"`; !strings.Contains(got, want) {
		t.Fatalf("error missing body: %q", got)
	}
}

func TestClient_GroupsDecodes(t *testing.T) {
	t.Parallel()

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/groups" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"groups":[{"group_id":"00000000-0000-0000-0000-000000000001","members":[` +
			`{"client_id":"6f1d6c3e-8d0a-4c5e-9a43-0b1f6c2d7e11","endpoint":"198.51.100.1:1000","observed":"198.51.100.1:1000","nat_type":"full_cone"}]}]}`))
	}))
	defer s.Close()

	// Bare host:port is accepted.
	c := NewClient(strings.TrimPrefix(s.URL, "http://"))
	resp, err := c.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(resp.Groups) != 1 || len(resp.Groups[0].Members) != 1 {
		t.Fatalf("groups=%+v", resp.Groups)
	}
	m := resp.Groups[0].Members[0]
	if m.NATType != model.NATFullCone {
		t.Fatalf("nat_type=%s", m.NATType)
	}
	if m.Endpoint.Port() != 1000 {
		t.Fatalf("endpoint=%s", m.Endpoint)
	}
}
