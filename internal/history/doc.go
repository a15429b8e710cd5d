// Package history persists finished backup runs to SQLite so operators can
// review past activity across daemon restarts.
package history
