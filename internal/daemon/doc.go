// Package daemon coordinates the long-running cardbackup process and system
// integration points.
//
// It wires configuration, the device watcher, the backup orchestrator, and
// the HTTP API into a single lifecycle with flock-based locking to prevent
// multiple instances. The daemon routes eligible device events into backup
// runs, applies live configuration updates, and owns graceful shutdown.
//
// Keep coordination logic here: backup stages live in the orchestrator and
// the daemon focuses on startup, shutdown, and request routing.
package daemon
