package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/service/ai"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

const (
	msgEmptyMessage = "Empty message"
	msgUnavailable  = "AI assistant is not configured"
	msgConnection   = "I'm having trouble connecting to the AI service. Please try again later. Error: "
)

// Answerer produces an assistant reply for one question.
type Answerer interface {
	StreamingEnabled() bool
	Answer(ctx context.Context, question string) (ai.Answer, error)
	StreamAnswer(ctx context.Context, question string, onDelta func(string)) (ai.Answer, error)
}

// Handler serves the medical assistant chat endpoint.
type Handler struct {
	assistant Answerer
}

// New creates the handler. A nil assistant makes every route answer 503.
func New(assistant Answerer) *Handler {
	return &Handler{assistant: assistant}
}

// RegisterRoutes 注册助手路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
	r.Post("/chat/stream", h.handleStream)
}

type chatRequest struct {
	Message string `json:"message"`
}

type completionMessage struct {
	Content string `json:"content"`
}

type completionChoice struct {
	Message completionMessage `json:"message"`
}

type completionResponse struct {
	Choices     []completionChoice `json:"choices"`
	Usage       ai.Usage           `json:"usage"`
	ContextUsed bool               `json:"context_used"`
}

// StreamResponse is one SSE frame of a streamed answer.
type StreamResponse struct {
	Event       string    `json:"event"`
	Content     string    `json:"content,omitempty"`
	Usage       *ai.Usage `json:"usage,omitempty"`
	ContextUsed bool      `json:"context_used,omitempty"`
	Finished    bool      `json:"finished,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.assistant == nil {
		utils.RespondError(w, http.StatusServiceUnavailable, msgUnavailable)
		return "", false
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	question := strings.TrimSpace(req.Message)
	if question == "" {
		utils.RespondError(w, http.StatusBadRequest, msgEmptyMessage)
		return "", false
	}
	return question, true
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	question, ok := h.decode(w, r)
	if !ok {
		return
	}

	answer, err := h.assistant.Answer(r.Context(), question)
	if err != nil {
		status, message := failure(err)
		log.Error().Err(err).Str("component", "assistant").Int("status", status).Msg("answer failed")
		utils.RespondError(w, status, message)
		return
	}

	utils.RespondJSON(w, http.StatusOK, completionResponse{
		Choices:     []completionChoice{{Message: completionMessage{Content: answer.Content}}},
		Usage:       answer.Usage,
		ContextUsed: answer.ContextUsed,
	})
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	question, ok := h.decode(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	var (
		answer ai.Answer
		err    error
	)
	if h.assistant.StreamingEnabled() {
		answer, err = h.assistant.StreamAnswer(r.Context(), question, func(delta string) {
			_ = utils.SendSSEEvent(w, flusher, "delta", StreamResponse{Event: "delta", Content: delta})
		})
	} else {
		answer, err = h.assistant.Answer(r.Context(), question)
	}
	if err != nil {
		_, message := failure(err)
		log.Error().Err(err).Str("component", "assistant").Msg("streamed answer failed")
		_ = utils.SendSSEEvent(w, flusher, "error", StreamResponse{Event: "error", Error: message})
		return
	}

	usage := answer.Usage
	_ = utils.SendSSEEvent(w, flusher, "message", StreamResponse{
		Event:       "message",
		Content:     answer.Content,
		Usage:       &usage,
		ContextUsed: answer.ContextUsed,
	})
	_ = utils.SendSSEEvent(w, flusher, "end", StreamResponse{Event: "end", Finished: true})
}

func failure(err error) (int, string) {
	if errors.Is(err, ai.ErrEmptyCompletion) {
		return http.StatusInternalServerError, "No response content found in API response"
	}
	return http.StatusServiceUnavailable, msgConnection + err.Error()
}
