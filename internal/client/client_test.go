package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cardbackup/internal/api"
	"cardbackup/internal/orchestrator"
)

func TestClientStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" || r.Method != http.MethodGet {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.StatusResponse{
			Running:        true,
			PID:            42,
			WatcherRunning: true,
			Backup:         orchestrator.Snapshot{State: orchestrator.StateIdle, Message: "Idle"},
		})
	}))
	defer server.Close()

	c := New(server.URL)
	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running || status.PID != 42 {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestClientSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized"})
			return
		}
		json.NewEncoder(w).Encode(api.StatusResponse{Running: true})
	}))
	defer server.Close()

	if _, err := New(server.URL).Status(context.Background()); err == nil {
		t.Fatal("expected unauthorized error without token")
	}
	if _, err := New(server.URL, WithToken("secret")).Status(context.Background()); err != nil {
		t.Fatalf("Status with token: %v", err)
	}
}

func TestClientStartBackup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/backups" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req api.StartBackupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Source != "/data/card" {
			t.Errorf("unexpected source %q", req.Source)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.BackupActionResponse{Message: "backup started", CorrelationID: "abc"})
	}))
	defer server.Close()

	resp, err := New(server.URL).StartBackup(context.Background(), "/data/card", "")
	if err != nil {
		t.Fatalf("StartBackup: %v", err)
	}
	if resp.CorrelationID != "abc" {
		t.Errorf("unexpected correlation id %q", resp.CorrelationID)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "a backup is already in progress"})
	}))
	defer server.Close()

	_, err := New(server.URL).StartBackup(context.Background(), "/data/card", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "already in progress") {
		t.Errorf("expected server message to surface, got %v", err)
	}
}

func TestClientLogsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("since") != "7" || query.Get("follow") != "1" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(api.LogStreamResponse{Next: 9})
	}))
	defer server.Close()

	resp, err := New(server.URL).Logs(context.Background(), 7, 50, true)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if resp.Next != 9 {
		t.Errorf("unexpected cursor %d", resp.Next)
	}
}

func TestNewNormalizesBind(t *testing.T) {
	c := New("127.0.0.1:7430")
	if c.baseURL != "http://127.0.0.1:7430" {
		t.Errorf("unexpected base url %q", c.baseURL)
	}
	c = New("http://localhost:7430/")
	if c.baseURL != "http://localhost:7430" {
		t.Errorf("unexpected base url %q", c.baseURL)
	}
}
