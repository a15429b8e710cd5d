// Package logging builds the daemon's slog loggers and bridges log records
// into the event hub so subscribers see the same ordered stream.
package logging
