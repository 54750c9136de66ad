package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// sseStream writes server-sent events. Every event is flushed immediately so
// clients see progress without buffering delays.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	request *http.Request
}

func newSSEStream(w http.ResponseWriter, r *http.Request) (*sseStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseStream{w: w, flusher: flusher, request: r}, nil
}

// Send writes one event as a data frame. Writes after client disconnect are
// silently dropped; the engine notices the dead context at its next
// checkpoint.
func (s *sseStream) Send(event interface{}) {
	select {
	case <-s.request.Context().Done():
		return
	default:
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode sse event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return
	}
	s.flusher.Flush()
}
