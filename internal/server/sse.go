package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"tbos/internal/feed"
)

const feedHeartbeat = 15 * time.Second

// registerFeed streams committed events as server-sent events. The stream
// is a hint: clients re-read documents through the API after a message.
func registerFeed(r chi.Router, basePath string, hub *feed.Hub, logger *zap.Logger) {
	r.Get(path.Join(basePath, "feed"), func(w http.ResponseWriter, req *http.Request) {
		if _, authErr := actorFromContext(req.Context()); authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		if hub == nil {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "feed_disabled", "change feed disabled", nil))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}
		types := lo.Compact(lo.Map(strings.Split(req.URL.Query().Get("types"), ","), func(s string, _ int) string {
			return strings.TrimSpace(s)
		}))
		documentID := strings.TrimSpace(req.URL.Query().Get("document_id"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		ch := hub.Subscribe(req.Context())
		_, _ = w.Write([]byte(": stream started\n\n"))
		flusher.Flush()

		heartbeat := time.NewTicker(feedHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				if len(types) > 0 && !lo.Contains(types, evt.Type) {
					continue
				}
				if documentID != "" && evt.DocumentID != documentID {
					continue
				}
				data, err := json.Marshal(eventResponse(evt))
				if err != nil {
					logger.Warn("feed: encode event", zap.Int64("event_id", evt.ID), zap.Error(err))
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data)
				flusher.Flush()
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": keepalive\n\n"))
				flusher.Flush()
			}
		}
	})
}
