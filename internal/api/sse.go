package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval keeps proxies from closing an idle stream.
const keepAliveInterval = 30 * time.Second

// JobStream handles GET /api/jobs/stream (SSE endpoint). The first event is
// "init" with all jobs and stats, then one event per job change.
func (h *Handler) JobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Subscribe before the snapshot so no change is lost in between
	eventCh := h.source.Subscribe()
	defer h.source.Unsubscribe(eventCh)

	initialData, _ := json.Marshal(map[string]interface{}{
		"type":  "init",
		"jobs":  h.source.GetAll(),
		"stats": h.source.Stats(),
	})
	writeEvent(w, "init", initialData)
	flusher.Flush()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-eventCh:
			if !ok {
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeEvent(w, event.Type, data)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
