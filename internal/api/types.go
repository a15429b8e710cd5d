// Package api defines the JSON payloads exchanged between the daemon's HTTP
// server and its clients.
package api

import (
	"cardbackup/internal/bus"
	"cardbackup/internal/history"
	"cardbackup/internal/orchestrator"
)

// StatusResponse reports daemon and backup state.
type StatusResponse struct {
	Running        bool                  `json:"running"`
	PID            int                   `json:"pid"`
	WatcherRunning bool                  `json:"watcher_running"`
	Backup         orchestrator.Snapshot `json:"backup"`
	Dependencies   []DependencyStatus    `json:"dependencies,omitempty"`
}

// DependencyStatus reports availability of one external tool.
type DependencyStatus struct {
	Name      string `json:"name"`
	Command   string `json:"command"`
	Optional  bool   `json:"optional"`
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// LogStreamResponse carries a page of the ordered event stream.
type LogStreamResponse struct {
	Events []bus.Event `json:"events"`
	Next   uint64      `json:"next"`
}

// StartBackupRequest starts a manual backup.
type StartBackupRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// BackupActionResponse acknowledges a start or cancel request.
type BackupActionResponse struct {
	Message       string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// HistoryResponse lists recent finished runs.
type HistoryResponse struct {
	Runs []history.RunRecord `json:"runs"`
}

// ConfigUpdateRequest updates one configuration key.
type ConfigUpdateRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ConfigResponse returns the active configuration rendered as TOML.
type ConfigResponse struct {
	Path string `json:"path"`
	TOML string `json:"toml"`
}

// ErrorResponse carries a human-readable failure message.
type ErrorResponse struct {
	Error string `json:"error"`
}
