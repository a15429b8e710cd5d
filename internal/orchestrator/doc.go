// Package orchestrator drives backup runs through their state machine,
// enforcing that at most one run is active at any time.
package orchestrator
