package eventstream

import (
	"encoding/json"
	"os"
	"sync"
)

// NDJSONSink writes one JSON line per event to a per-run NDJSON file.
type NDJSONSink struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewNDJSONSink opens (creating/truncating) the NDJSON file at path.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &NDJSONSink{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit writes one event as a JSON line. Marshal errors are swallowed — the
// event stream must never block or crash the convergence loop.
func (s *NDJSONSink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enc.Encode(ev)
}

// Flush fsyncs the underlying file.
func (s *NDJSONSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Sync()
}

// Close closes the underlying file.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// MemorySink is an in-memory EventSink for tests: it records every event in
// emission order.
type MemorySink struct {
	mu     sync.Mutex
	Events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event to the recorded slice.
func (s *MemorySink) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
}

// Flush is a no-op for the in-memory sink.
func (s *MemorySink) Flush() error { return nil }

// Snapshot returns a copy of the events recorded so far.
func (s *MemorySink) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.Events))
	copy(out, s.Events)
	return out
}
