package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"lawbase.hk/legal-assistant/internal/core"
)

// sseWriter delivers progress events as server-sent-event frames, one JSON
// object per frame, flushed immediately to preserve pipeline ordering.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &sseWriter{w: w, f: f}, nil
}

func (s *sseWriter) Send(ev core.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write event frame: %w", err)
	}
	s.f.Flush()
	return nil
}

var _ core.ProgressReporter = (*sseWriter)(nil)
