package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"cardbackup/internal/api"
	"cardbackup/internal/config"
	"cardbackup/internal/logging"
	"cardbackup/internal/notifications"
	"cardbackup/internal/orchestrator"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	mux := http.NewServeMux()
	srv := &apiServer{
		bind:   bind,
		logger: logger,
		daemon: d,
	}

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return authMiddleware(d.apiToken, next)
	}
	mux.HandleFunc("/api/status", auth(srv.handleStatus))
	mux.HandleFunc("/api/logs", auth(srv.handleLogs))
	mux.HandleFunc("/api/backups", auth(srv.handleBackups))
	mux.HandleFunc("/api/backups/cancel", auth(srv.handleCancel))
	mux.HandleFunc("/api/history", auth(srv.handleHistory))
	mux.HandleFunc("/api/notifications/test", auth(srv.handleTestNotify))
	mux.HandleFunc("/api/config", auth(srv.handleConfig))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// addr returns the bound address, useful when the bind used port 0.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status()
	dependencies := make([]api.DependencyStatus, 0, len(status.Dependencies))
	for _, dep := range status.Dependencies {
		dependencies = append(dependencies, api.DependencyStatus{
			Name:      dep.Name,
			Command:   dep.Command,
			Optional:  dep.Optional,
			Available: dep.Available,
			Detail:    dep.Detail,
		})
	}
	s.writeJSON(w, http.StatusOK, api.StatusResponse{
		Running:        status.Running,
		PID:            status.PID,
		WatcherRunning: status.WatcherRunning,
		Backup:         status.Backup,
		Dependencies:   dependencies,
	})
}

func (s *apiServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	hub := s.daemon.Hub()
	if hub == nil {
		s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: nil, Next: 0})
		return
	}

	query := r.URL.Query()
	since, _ := strconv.ParseUint(query.Get("since"), 10, 64)
	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 {
		limit = 200
	}
	follow := query.Get("follow") == "1" || strings.EqualFold(query.Get("follow"), "true")
	tail := query.Get("tail") == "1" || strings.EqualFold(query.Get("tail"), "true")

	if tail && since == 0 && !follow {
		events, next := hub.Tail(limit)
		s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: events, Next: next})
		return
	}

	events, next, err := hub.Fetch(r.Context(), since, limit, follow)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.LogStreamResponse{Events: events, Next: next})
}

func (s *apiServer) handleBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req api.StartBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Source) == "" {
		s.writeError(w, http.StatusBadRequest, "source path is required")
		return
	}

	id, err := s.daemon.orch.Start(orchestrator.Request{
		SourcePath:     req.Source,
		TargetTemplate: req.Target,
		Origin:         orchestrator.OriginManual,
	})
	switch {
	case errors.Is(err, orchestrator.ErrBackupInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, orchestrator.ErrInvalidPath):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, api.BackupActionResponse{
		Message:       "backup started",
		CorrelationID: id,
	})
}

func (s *apiServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	message := s.daemon.orch.Cancel()
	s.writeJSON(w, http.StatusOK, api.BackupActionResponse{Message: message})
}

func (s *apiServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.daemon.store.List(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.HistoryResponse{Runs: runs})
}

func (s *apiServer) handleTestNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := s.daemon.Config()
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		s.writeJSON(w, http.StatusOK, api.BackupActionResponse{Message: "ntfy topic not configured"})
		return
	}
	if err := notifications.NewService(cfg).TestNotification(r.Context()); err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.BackupActionResponse{Message: "test notification sent"})
}

func (s *apiServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeConfig(w, s.daemon.Config())
	case http.MethodPut:
		var req api.ConfigUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		updated, err := s.daemon.UpdateConfig(req.Key, req.Value)
		switch {
		case errors.Is(err, config.ErrInvalidConfigKey):
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeConfig(w, updated)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) writeConfig(w http.ResponseWriter, cfg *config.Config) {
	rendered, err := toml.Marshal(cfg)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.ConfigResponse{
		Path: s.daemon.configPath,
		TOML: string(rendered),
	})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return s.logger.With(logging.String(logging.FieldComponent, "api-server"))
	}
	return logging.NewNop()
}
