package audit

import (
	"context"
	"encoding/json"
	"sync"

	"atriumcms.org/internal/obs"
)

// LogSink writes audit events as structured JSON lines through the shared
// service logger.
type LogSink struct{}

// Record implements Sink.
func (LogSink) Record(ctx context.Context, evt Event) {
	entry := map[string]any{
		"ts":    evt.OccurredAtUTC,
		"type":  "audit",
		"event": evt,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	data, err := json.Marshal(entry)
	if err != nil {
		obs.Error("audit marshal failed", map[string]any{"action": string(evt.Action)})
		return
	}
	obs.Logger().Println(string(data))
}

// MultiSink fans a single event out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Record(ctx, evt)
	}
}

// MemorySink keeps the most recent events in a bounded ring. It backs the
// admin UI's recent-activity view and the package's tests.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []Event
}

// NewMemorySink returns a sink retaining at most limit events.
func NewMemorySink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 256
	}
	return &MemorySink{limit: limit}
}

// Record implements Sink.
func (m *MemorySink) Record(_ context.Context, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
}

// Events returns a copy of the retained events, oldest first.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// ByAction filters retained events to a single action.
func (m *MemorySink) ByAction(action Action) []Event {
	var out []Event
	for _, evt := range m.Events() {
		if evt.Action == action {
			out = append(out, evt)
		}
	}
	return out
}
