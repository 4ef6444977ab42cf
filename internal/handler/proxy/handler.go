package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	"github.com/zhouzirui/pneumoscan/backend/pkg/utils"
)

const (
	msgFileNotFound    = "File not found in the request"
	msgProcessingError = "Error processing file"
)

var errNoFilePart = errors.New("multipart body has no file part")

// Forwarder relays an encoded prediction request upstream.
type Forwarder interface {
	Forward(ctx context.Context, contentType string, body io.Reader) (int, []byte, error)
}

// Handler 预测请求透传处理器
type Handler struct {
	upstream Forwarder
	ledger   prediction.Ledger
	maxBytes int64
}

// New 创建透传处理器。ledger 可以为 nil
func New(upstream Forwarder, ledger prediction.Ledger, maxBytes int64) *Handler {
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &Handler{upstream: upstream, ledger: ledger, maxBytes: maxBytes}
}

// RegisterRoutes 注册透传路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/predict", h.handlePredict)
}

func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	logger := log.With().Str("component", "predict_proxy").Logger()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.RespondError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		logger.Error().Err(err).Msg("read request body failed")
		utils.RespondError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}

	contentType := r.Header.Get("Content-Type")
	filename, err := filePart(contentType, body)
	if err != nil {
		logger.Debug().Err(err).Msg("rejecting predict request")
		utils.RespondError(w, http.StatusBadRequest, msgFileNotFound)
		return
	}

	status, raw, err := h.upstream.Forward(r.Context(), contentType, bytes.NewReader(body))
	if err != nil {
		logger.Error().Err(err).Str("file", filename).Msg("forward to prediction backend failed")
		utils.RespondError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}

	if status < 200 || status >= 300 {
		message := inference.ErrorMessage(raw)
		if message == "" {
			message = msgProcessingError
		}
		logger.Warn().Int("status", status).Str("file", filename).Str("error", message).Msg("prediction backend rejected request")
		utils.RespondError(w, status, message)
		return
	}

	verdict, err := inference.DecodePrediction(raw, filename)
	if err != nil {
		logger.Error().Err(err).Str("file", filename).Msg("prediction backend returned malformed body")
		utils.RespondError(w, http.StatusInternalServerError, msgProcessingError)
		return
	}
	if h.ledger != nil {
		h.ledger.Record(verdict)
	}
	logger.Info().Str("file", filename).Str("result", verdict.Result).Msg("prediction relayed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

// filePart returns the filename of the "file" part of a multipart body.
func filePart(contentType string, body []byte) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(mediaType, "multipart/") {
		return "", errNoFilePart
	}

	reader := multipart.NewReader(bytes.NewReader(body), params["boundary"])
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return "", errNoFilePart
		}
		if err != nil {
			return "", err
		}
		if part.FormName() == "file" && part.FileName() != "" {
			return part.FileName(), nil
		}
	}
}
