package bus

import (
	"context"
	"sync"
	"time"
)

// Event is one entry in the daemon's ordered log/status stream.
type Event struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     time.Time         `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// Hub stores published events in order and wakes waiters when new events
// arrive. Sequence numbers are assigned under the hub lock, so every reader
// observes the same global order. The buffer is bounded; once full, the
// oldest events are dropped and replay starts at FirstSequence.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	capacity int
	buffer   []Event
	nextSeq  uint64
}

// NewHub constructs a hub retaining up to capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 2048
	}
	h := &Hub{capacity: capacity}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Publish appends an event and assigns its sequence number.
func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.nextSeq++
	evt.Sequence = h.nextSeq
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if len(h.buffer) == h.capacity {
		copy(h.buffer, h.buffer[1:])
		h.buffer = h.buffer[:h.capacity-1]
	}
	h.buffer = append(h.buffer, evt)
	h.cond.Broadcast()
	h.mu.Unlock()
}

// Fetch returns buffered events with sequence greater than since, up to
// limit. When wait is true and nothing is pending, Fetch blocks until an
// event arrives or ctx ends. The returned cursor is the latest sequence
// assigned by the hub.
func (h *Hub) Fetch(ctx context.Context, since uint64, limit int, wait bool) ([]Event, uint64, error) {
	if h == nil {
		return nil, since, nil
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}

	cancelWait := make(chan struct{})
	if wait && ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.cond.Broadcast()
			case <-cancelWait:
			}
		}()
	}
	defer close(cancelWait)

	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		events, next := h.snapshotLocked(since, limit)
		if len(events) > 0 || !wait {
			return events, next, contextError(ctx)
		}
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
		h.cond.Wait()
		if err := contextError(ctx); err != nil {
			return nil, next, err
		}
	}
}

// Tail returns the most recent limit events without blocking.
func (h *Hub) Tail(limit int) ([]Event, uint64) {
	if h == nil {
		return nil, 0
	}
	if limit <= 0 || limit > h.capacity {
		limit = h.capacity
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return nil, h.nextSeq
	}
	start := len(h.buffer) - limit
	if start < 0 {
		start = 0
	}
	out := make([]Event, len(h.buffer)-start)
	copy(out, h.buffer[start:])
	return out, h.nextSeq
}

// FirstSequence reports the smallest sequence number still buffered.
func (h *Hub) FirstSequence() uint64 {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.buffer) == 0 {
		return h.nextSeq
	}
	return h.buffer[0].Sequence
}

// Subscribe returns a channel that first replays every retained event and
// then delivers live events until ctx is cancelled. The replay snapshot and
// the live feed share the hub's sequence cursor, so the stream is gap-free
// and duplicate-free even when events are published concurrently with the
// subscription.
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	if h == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		var cursor uint64
		for {
			events, _, err := h.Fetch(ctx, cursor, 0, true)
			for _, evt := range events {
				select {
				case out <- evt:
					cursor = evt.Sequence
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (h *Hub) snapshotLocked(since uint64, limit int) ([]Event, uint64) {
	if len(h.buffer) == 0 {
		return nil, h.nextSeq
	}
	startIdx := 0
	for i, evt := range h.buffer {
		if evt.Sequence > since {
			startIdx = i
			break
		}
		if i == len(h.buffer)-1 {
			return nil, h.nextSeq
		}
	}
	end := startIdx + limit
	if end > len(h.buffer) {
		end = len(h.buffer)
	}
	out := make([]Event, end-startIdx)
	copy(out, h.buffer[startIdx:end])
	return out, h.nextSeq
}

func contextError(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.Err()
}
