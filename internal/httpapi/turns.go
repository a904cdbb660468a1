package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalviumcommunity/sumanize/internal/generator"
	"github.com/kalviumcommunity/sumanize/internal/turn"
)

// TurnHandler accepts turn submissions. The response is immediate; the
// generated reply arrives over the delivery channel the client is already
// subscribed to.
type TurnHandler struct {
	runner *turn.Runner
	logger *zap.Logger
}

func NewTurnHandler(runner *turn.Runner, logger *zap.Logger) *TurnHandler {
	return &TurnHandler{runner: runner, logger: logger}
}

func (h *TurnHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/turns", h.handleSubmit)
}

type turnRequest struct {
	ChatID         string `json:"chatId"`
	UserID         string `json:"userId"`
	Prompt         string `json:"prompt"`
	SourceDocument string `json:"sourceDocument,omitempty"`
}

type turnResponse struct {
	TurnID string `json:"turnId"`
	Status string `json:"status"`
}

// POST /api/turns
func (h *TurnHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
		return
	}
	if reason := validateKeys(req.ChatID, req.UserID); reason != "" {
		http.Error(w, `{"error":"`+reason+`"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	turnID := uuid.New().String()
	greq := generator.Request{
		ChatID:         req.ChatID,
		UserID:         req.UserID,
		Prompt:         req.Prompt,
		SourceDocument: req.SourceDocument,
	}

	// Detached from the request context; the runner enforces its own
	// per-turn timeout.
	go func() {
		if err := h.runner.Execute(context.Background(), greq); err != nil {
			h.logger.Warn("Turn failed",
				zap.String("turn_id", turnID),
				zap.String("chat_id", req.ChatID),
				zap.Error(err))
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(turnResponse{TurnID: turnID, Status: "streaming"})
}
