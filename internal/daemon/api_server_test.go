package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cardbackup/internal/api"
	"cardbackup/internal/bus"
	"cardbackup/internal/config"
	"cardbackup/internal/logging"
	"cardbackup/internal/orchestrator"
	"cardbackup/internal/pathtemplate"
	"cardbackup/internal/transfer"
)

type stubMounter struct{}

func (stubMounter) Mount(context.Context, string, string, string, pathtemplate.Context) (string, bool, error) {
	return "/media/test", true, nil
}

func (stubMounter) Unmount(context.Context, string) error { return nil }

// stubHandle completes when released, or immediately if release is nil.
type stubHandle struct {
	release    chan struct{}
	cancelOnce sync.Once
	cancelled  bool
}

func (h *stubHandle) Cancel() {
	h.cancelOnce.Do(func() {
		h.cancelled = true
		if h.release != nil {
			close(h.release)
		}
	})
}

func (h *stubHandle) Wait() transfer.Result {
	if h.release != nil {
		<-h.release
	}
	if h.cancelled {
		return transfer.Result{Outcome: transfer.OutcomeCancelled}
	}
	return transfer.Result{Outcome: transfer.OutcomeSuccess}
}

type stubTransferer struct {
	mu      sync.Mutex
	blocked bool
	handle  *stubHandle
}

func (s *stubTransferer) Start(_ context.Context, _, _ string, _ func(string)) (orchestrator.TransferHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := &stubHandle{}
	if s.blocked {
		h.release = make(chan struct{})
	}
	s.handle = h
	return h, nil
}

func testDaemon(t *testing.T, transferer orchestrator.Transferer) (*Daemon, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.LogDir = t.TempDir()
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Backup.TargetPathTemplate = t.TempDir() + "/{date}"
	cfg.History.Enabled = false

	orch := orchestrator.New(&cfg, logging.NewNop(), stubMounter{}, transferer, nil)
	d, err := New(&cfg, "", logging.NewNop(), orch, nil, bus.NewHub(64))
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	return d, &cfg
}

func waitForIdle(t *testing.T, d *Daemon) orchestrator.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := d.orch.Status()
		if !snap.Active && !snap.FinishedAt.IsZero() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("backup did not reach a terminal state")
	return orchestrator.Snapshot{}
}

func TestAPIServerStatus(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	d.api.handleStatus(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Running {
		t.Error("expected running=false before Start")
	}
	if resp.Backup.State != orchestrator.StateIdle {
		t.Errorf("expected idle backup state, got %q", resp.Backup.State)
	}
}

func TestAPIServerStartBackup(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})
	source := t.TempDir()

	body := strings.NewReader(`{"source": "` + source + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/backups", body)
	w := httptest.NewRecorder()
	d.api.handleBackups(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 Accepted, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.BackupActionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.CorrelationID == "" {
		t.Error("expected a correlation id")
	}

	snap := waitForIdle(t, d)
	if snap.CorrelationID != resp.CorrelationID {
		t.Errorf("snapshot correlation id %q does not match response %q", snap.CorrelationID, resp.CorrelationID)
	}
	if !strings.Contains(snap.Message, "completed") {
		t.Errorf("expected completion message, got %q", snap.Message)
	}
}

func TestAPIServerStartBackupRejections(t *testing.T) {
	transferer := &stubTransferer{blocked: true}
	d, _ := testDaemon(t, transferer)
	source := t.TempDir()

	t.Run("missing source", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/backups", strings.NewReader(`{}`))
		w := httptest.NewRecorder()
		d.api.handleBackups(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("source is not a directory", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/backups", strings.NewReader(`{"source": "/nonexistent/path"}`))
		w := httptest.NewRecorder()
		d.api.handleBackups(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})

	t.Run("second start conflicts", func(t *testing.T) {
		first := httptest.NewRecorder()
		d.api.handleBackups(first, httptest.NewRequest(http.MethodPost, "/api/backups", strings.NewReader(`{"source": "`+source+`"}`)))
		if first.Code != http.StatusAccepted {
			t.Fatalf("expected 202 for first start, got %d", first.Code)
		}

		second := httptest.NewRecorder()
		d.api.handleBackups(second, httptest.NewRequest(http.MethodPost, "/api/backups", strings.NewReader(`{"source": "`+source+`"}`)))
		if second.Code != http.StatusConflict {
			t.Fatalf("expected 409 for second start, got %d", second.Code)
		}

		cancel := httptest.NewRecorder()
		d.api.handleCancel(cancel, httptest.NewRequest(http.MethodPost, "/api/backups/cancel", nil))
		if cancel.Code != http.StatusOK {
			t.Fatalf("expected 200 for cancel, got %d", cancel.Code)
		}
		snap := waitForIdle(t, d)
		if !strings.Contains(snap.Message, "cancelled") {
			t.Errorf("expected cancellation message, got %q", snap.Message)
		}
	})
}

func TestAPIServerCancelWhenIdle(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})

	w := httptest.NewRecorder()
	d.api.handleCancel(w, httptest.NewRequest(http.MethodPost, "/api/backups/cancel", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.BackupActionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Message != "no backup in progress" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}

func TestAPIServerLogs(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})
	for i := 0; i < 3; i++ {
		d.hub.Publish(bus.Event{Message: "event", Component: "test"})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/logs?since=0&limit=10", nil)
	w := httptest.NewRecorder()
	d.api.handleLogs(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.LogStreamResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(resp.Events))
	}
	if resp.Next != resp.Events[len(resp.Events)-1].Sequence {
		t.Errorf("cursor %d does not match last sequence %d", resp.Next, resp.Events[len(resp.Events)-1].Sequence)
	}
}

func TestAPIServerHistoryWithoutStore(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})

	w := httptest.NewRecorder()
	d.api.handleHistory(w, httptest.NewRequest(http.MethodGet, "/api/history", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.HistoryResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Runs) != 0 {
		t.Errorf("expected no runs, got %d", len(resp.Runs))
	}
}

func TestAPIServerAuth(t *testing.T) {
	d, cfg := testDaemon(t, &stubTransferer{})
	cfg.Paths.APIToken = "secret"
	d.cfg = cfg.Clone()

	handler := d.api.server.Handler

	t.Run("rejects missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("rejects wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", w.Code)
		}
	})

	t.Run("accepts valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("Authorization", "Bearer secret")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})
}

func TestAPIServerConfig(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})

	t.Run("get returns rendered toml", func(t *testing.T) {
		w := httptest.NewRecorder()
		d.api.handleConfig(w, httptest.NewRequest(http.MethodGet, "/api/config", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp api.ConfigResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if !strings.Contains(resp.TOML, "mount_point_template") {
			t.Errorf("rendered config missing expected key: %s", resp.TOML)
		}
	})

	t.Run("put updates a key", func(t *testing.T) {
		body := strings.NewReader(`{"key": "backup.auto_unmount", "value": "false"}`)
		w := httptest.NewRecorder()
		d.api.handleConfig(w, httptest.NewRequest(http.MethodPut, "/api/config", body))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		if d.Config().Backup.AutoUnmount {
			t.Error("expected auto_unmount to be disabled")
		}
	})

	t.Run("put rejects unknown key", func(t *testing.T) {
		body := strings.NewReader(`{"key": "backup.bogus", "value": "1"}`)
		w := httptest.NewRecorder()
		d.api.handleConfig(w, httptest.NewRequest(http.MethodPut, "/api/config", body))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

func TestAPIServerTestNotifyUnconfigured(t *testing.T) {
	d, _ := testDaemon(t, &stubTransferer{})

	w := httptest.NewRecorder()
	d.api.handleTestNotify(w, httptest.NewRequest(http.MethodPost, "/api/notifications/test", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 OK, got %d", w.Code)
	}
	var resp api.BackupActionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Message != "ntfy topic not configured" {
		t.Errorf("unexpected message %q", resp.Message)
	}
}
