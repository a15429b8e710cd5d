// Package notifications delivers backup lifecycle push notifications.
//
// The only backend is ntfy: configuring a topic URL enables it, leaving it
// empty yields a noop service so callers never branch on configuration.
package notifications
