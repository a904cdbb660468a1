package httpapi

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/streaming"
)

// SSEHandler streams turn events over Server-Sent Events for clients that
// cannot hold a WebSocket. It reads from the broker only; without a broker
// the endpoint is not registered.
type SSEHandler struct {
	broker *streaming.Broker
	logger *zap.Logger
}

func NewSSEHandler(broker *streaming.Broker, logger *zap.Logger) *SSEHandler {
	return &SSEHandler{broker: broker, logger: logger}
}

func (h *SSEHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
}

// GET /stream/sse?chatId=<id>&userId=<id>
func (h *SSEHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	userID := r.URL.Query().Get("userId")
	if reason := validateKeys(chatID, userID); reason != "" {
		http.Error(w, `{"error":"`+reason+`"}`, http.StatusBadRequest)
		return
	}
	topic := streaming.Topic(userID, chatID)

	// Last-Event-ID header or query param to replay from
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.broker.Subscribe(topic, 256)
	defer h.broker.Unsubscribe(topic, ch)

	fmt.Fprintf(w, ": connected to %s\n\n", topic)
	flusher.Flush()

	if lastID > 0 {
		for _, env := range h.broker.ReplaySince(topic, lastID) {
			writeSSE(w, env)
		}
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, env)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env streaming.Envelope) {
	if env.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", env.Seq)
	}
	fmt.Fprintf(w, "data: %s\n\n", env.Marshal())
}
