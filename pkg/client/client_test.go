package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pilot-net/golden-integrity/pkg/types"
)

func TestClient_GetBaseline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Agent-ID") != "agent-1" {
			t.Errorf("expected X-Agent-ID header, got %q", r.Header.Get("X-Agent-ID"))
		}
		switch r.URL.Path {
		case "/baselines/img-1":
			json.NewEncoder(w).Encode(types.Baseline{ImageID: "img-1", Entries: []types.FileIntegrityEntry{
				{Path: "/etc/passwd", ContentHash: strings.Repeat("a", 128), Mode: 0o644},
			}})
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"baseline not found"}`))
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AgentID: "agent-1"})

	b, err := c.GetBaseline(context.Background(), "img-1")
	if err != nil {
		t.Fatalf("GetBaseline: %v", err)
	}
	if b.ImageID != "img-1" || len(b.Entries) != 1 {
		t.Errorf("unexpected baseline %+v", b)
	}

	_, err = c.GetBaseline(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("not-found must not be classified as unavailable")
	}
}

func TestClient_StoreBaseline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/baselines" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var b types.Baseline
		json.NewDecoder(r.Body).Decode(&b)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(b.Summary())
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, AuthToken: "secret"})
	summary, err := c.StoreBaseline(context.Background(), &types.Baseline{
		ImageID: "img-1",
		Entries: make([]types.FileIntegrityEntry, 3),
	})
	if err != nil {
		t.Fatalf("StoreBaseline: %v", err)
	}
	if summary.ImageID != "img-1" || summary.EntryCount != 3 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"boom"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	_, err := c.ReportAlert(context.Background(), types.Alert{AgentID: "a"})
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected 500 to be ErrUnavailable, got %v", err)
	}

	status = http.StatusBadRequest
	_, err = c.Heartbeat(context.Background(), types.Heartbeat{AgentID: "a"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected StatusError 400, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("400 must not be classified as unavailable")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("expected body in error, got %v", err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, Timeout: time.Second})
	if err := c.Ping(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClient_HeartbeatAndAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/agents/heartbeat":
			var hb types.Heartbeat
			json.NewDecoder(r.Body).Decode(&hb)
			json.NewEncoder(w).Encode(types.HeartbeatResponse{Acknowledged: true, Status: hb.Status})
		case "/agents/alert":
			var a types.Alert
			json.NewDecoder(r.Body).Decode(&a)
			a.ID = "alert-1"
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(a)
		}
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL})

	resp, err := c.Heartbeat(context.Background(), types.Heartbeat{AgentID: "a", Status: types.AgentStatusWarning})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if !resp.Acknowledged || resp.Status != types.AgentStatusWarning {
		t.Errorf("unexpected response %+v", resp)
	}

	stored, err := c.ReportAlert(context.Background(), types.Alert{AgentID: "a", Severity: types.SeverityWarning})
	if err != nil {
		t.Fatalf("ReportAlert: %v", err)
	}
	if stored.ID != "alert-1" {
		t.Errorf("expected stored id, got %q", stored.ID)
	}
}
