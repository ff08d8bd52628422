package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// eventStream serializes Server-Sent Events onto a single response. One
// stream carries several event types (telemetry, stdout, stderr, done,
// error), so all emits go through one mutex to keep event frames intact
// when the sampler goroutine and the handler write concurrently.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// newEventStream prepares the response for SSE. Returns nil if the
// ResponseWriter cannot flush.
func newEventStream(w http.ResponseWriter) *eventStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &eventStream{w: w, flusher: flusher}
}

// emit writes one event frame and flushes it. Each line of a multi-line
// payload gets its own "data:" prefix; without that, a newline in guest
// output would break the frame boundary and could inject fake events.
func (s *eventStream) emit(event, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(payload, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	fmt.Fprint(s.w, "\n")
	s.flusher.Flush()
}

// emitJSON marshals v and emits it under the given event type. Marshal
// failures drop the event rather than corrupt the stream.
func (s *eventStream) emitJSON(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.emit(event, string(data))
}
