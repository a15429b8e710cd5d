// Package main hosts the cardbackup CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into HTTP
// calls against the daemon: status rendering, event-stream tailing, backup
// start and cancel, run history, and configuration scaffolding. It
// centralizes configuration resolution and API address discovery so
// subcommands can focus on user experience instead of wiring.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
