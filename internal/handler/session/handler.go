package session

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatflow "github.com/zhouzirui/pneumoscan/backend/internal/service/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	sessionsvc "github.com/zhouzirui/pneumoscan/backend/internal/service/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/upload"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

// Handler 会话状态机的HTTP处理器
type Handler struct {
	sessions       *sessionsvc.Manager
	uploads        *upload.Flow
	chats          *chatflow.Flow
	maxUploadBytes int64
	upgrader       websocket.Upgrader
}

// New 创建会话处理器
func New(sessions *sessionsvc.Manager, uploads *upload.Flow, chats *chatflow.Flow, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	return &Handler{
		sessions:       sessions,
		uploads:        uploads,
		chats:          chats,
		maxUploadBytes: maxUploadBytes,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleDelete)
			r.Post("/welcome", h.handleWelcome)
			r.Post("/upload", h.handleUpload)
			r.Put("/draft", h.handleDraft)
			r.Post("/messages", h.handleSend)
			r.Get("/events", h.handleEvents)
			r.Get("/ws", h.handleWebSocket)
		})
	})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*sessionsvc.Session, bool) {
	sess, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFlowError(w, err)
		return nil, false
	}
	return sess, true
}

// handleCreate 创建会话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Create(r.Context())
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, sess.Snapshot())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, sess.Snapshot())
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		respondFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWelcome 欢迎页动画结束后调度进入上传阶段
func (h *Handler) handleWelcome(w http.ResponseWriter, r *http.Request) {
	scheduled, err := h.sessions.WelcomeComplete(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondFlowError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]bool{"scheduled": scheduled})
}

// handleUpload 上传胸片并进入聊天阶段
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		utils.RespondError(w, http.StatusBadRequest, upload.ErrMissingFile.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, upload.ErrMissingFile.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	in := &inference.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}
	if err := h.uploads.Submit(r.Context(), sess, in); err != nil {
		respondFlowError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sess.Snapshot())
}

// handleDraft 保存输入框草稿
func (h *Handler) handleDraft(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess.SetDraft(payload.Text)
	utils.RespondJSON(w, http.StatusOK, sess.Snapshot())
}

// handleSend 发送问题；未提供 text 时发送草稿
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var payload struct {
		Text *string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	if payload.Text == nil {
		err = h.chats.SendDraft(r.Context(), sess)
	} else {
		err = h.chats.Send(r.Context(), sess, *payload.Text)
	}
	if err != nil {
		respondFlowError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sess.Snapshot())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sessionsvc.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrMissingFile),
		errors.Is(err, upload.ErrUnsupportedFile),
		errors.Is(err, sessionsvc.ErrBlankMessage):
		return http.StatusBadRequest
	case errors.Is(err, sessionsvc.ErrWrongStage),
		errors.Is(err, sessionsvc.ErrBusy),
		errors.Is(err, sessionsvc.ErrIllegalTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondFlowError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("component", "session_handler").Msg("request failed")
	}
	utils.RespondError(w, status, err.Error())
}
