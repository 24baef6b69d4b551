package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hubenschmidt/prospector/internal/store"
	"github.com/hubenschmidt/prospector/internal/streaming"
)

// keepAliveInterval bounds how long an idle SSE connection stays silent
// before a comment frame is written to keep intermediaries from closing it.
const keepAliveInterval = 15 * time.Second

// snapshotRunLimit caps the run-history page sent when a stream opens.
const snapshotRunLimit = 20

// handleSSE streams live events for one config via Server-Sent Events.
// The stream opens with a snapshot (config + recent runs) so clients
// need no separate fetch, then forwards hub events as they arrive.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	cfg, err := s.deps.Store.GetAutomationConfig(r.Context(), configID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	// Subscribe before the snapshot so events landing between the
	// snapshot read and the loop are not lost.
	sub := s.deps.Hub.Subscribe(configID)
	defer s.deps.Hub.Unsubscribe(configID, sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	runs, err := s.deps.Store.ListRunLogs(r.Context(), store.RunFilter{
		ConfigID: configID,
		Limit:    snapshotRunLimit,
	})
	if err != nil {
		s.deps.Logger.Error("SSE snapshot failed",
			"config_id", configID, "error", err.Error())
		runs = nil
	}

	writeSSE(w, "snapshot", map[string]any{
		"config": cfg,
		"runs":   runs,
	})
	flusher.Flush()

	s.streamWithKeepAlive(w, r, flusher, sub)
}

// streamWithKeepAlive forwards subscription events until the client
// disconnects or the subscription closes, emitting a comment frame
// whenever the connection has been idle for keepAliveInterval. This loop
// is the only place the distribution path is allowed to block.
func (s *Server) streamWithKeepAlive(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *streaming.Subscription) {
	keepAlive := time.NewTimer(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, event.EventType, event)
			flusher.Flush()
			if !keepAlive.Stop() {
				select {
				case <-keepAlive.C:
				default:
				}
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
			keepAlive.Reset(keepAliveInterval)
		}
	}
}

// writeSSE writes one framed SSE message.
func writeSSE(w http.ResponseWriter, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}
