// Package transfer launches and supervises the external file
// synchronization process for a single backup run, with line-streamed output
// and signal-based cancellation.
package transfer
