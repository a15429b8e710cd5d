// Package bus provides the in-process publish/subscribe hub for log and
// status events, with replay-on-join semantics and a single global order.
package bus
