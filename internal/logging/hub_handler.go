package logging

import (
	"context"
	"log/slog"
	"strings"

	"cardbackup/internal/bus"
)

// hubHandler tees every record into the event hub before delegating to the
// wrapped handler. Publication happens on the logging call path, so bus
// ordering matches log ordering.
type hubHandler struct {
	next  slog.Handler
	hub   *bus.Hub
	attrs []slog.Attr
}

func newHubHandler(next slog.Handler, hub *bus.Hub) slog.Handler {
	if hub == nil || next == nil {
		return next
	}
	return &hubHandler{next: next, hub: hub}
}

func (h *hubHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *hubHandler) Handle(ctx context.Context, record slog.Record) error {
	h.hub.Publish(eventFromRecord(record, h.attrs))
	return h.next.Handle(ctx, record.Clone())
}

func (h *hubHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &hubHandler{next: h.next.WithAttrs(attrs), hub: h.hub, attrs: merged}
}

func (h *hubHandler) WithGroup(name string) slog.Handler {
	return &hubHandler{next: h.next.WithGroup(name), hub: h.hub, attrs: h.attrs}
}

func eventFromRecord(record slog.Record, preAttrs []slog.Attr) bus.Event {
	event := bus.Event{
		Timestamp: record.Time,
		Level:     strings.ToUpper(record.Level.String()),
		Message:   strings.TrimSpace(record.Message),
	}

	process := func(attr slog.Attr) {
		key := strings.TrimSpace(attr.Key)
		if key == "" {
			return
		}
		value := attr.Value.Resolve().String()
		switch key {
		case FieldComponent:
			event.Component = value
		case FieldCorrelationID:
			event.CorrelationID = value
		default:
			if event.Fields == nil {
				event.Fields = make(map[string]string)
			}
			event.Fields[key] = value
		}
	}

	for _, attr := range preAttrs {
		process(attr)
	}
	record.Attrs(func(attr slog.Attr) bool {
		process(attr)
		return true
	})
	return event
}
