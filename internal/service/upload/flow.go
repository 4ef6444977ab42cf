package upload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/session"
)

// ErrorText seeds the chat when the analysis fails for any reason.
const ErrorText = "There was an error analyzing your image."

var (
	ErrMissingFile     = errors.New("no file uploaded")
	ErrUnsupportedFile = errors.New("file is not an image")
)

// Predictor analyzes one uploaded image.
type Predictor interface {
	Predict(ctx context.Context, file inference.Upload) (prediction.Prediction, error)
}

// Flow submits the session's single image and opens the chat with its verdict.
type Flow struct {
	predictor Predictor
	ledger    prediction.Ledger
}

// NewFlow wires the flow. ledger may be nil.
func NewFlow(predictor Predictor, ledger prediction.Ledger) *Flow {
	return &Flow{predictor: predictor, ledger: ledger}
}

// SuccessText is the opening chat message for a completed analysis.
func SuccessText(filename, result string) string {
	return fmt.Sprintf("I've analyzed your chest X-ray image \"%s\". Result: %s.", filename, result)
}

// Submit sends file for prediction. Guard failures return an error before any
// network call; a failed prediction degrades to ErrorText and still enters chat.
func (f *Flow) Submit(ctx context.Context, sess *session.Session, file *inference.Upload) error {
	if err := Validate(file); err != nil {
		return err
	}
	if err := sess.BeginUpload(); err != nil {
		return err
	}

	logger := log.With().Str("component", "upload").Str("session_id", sess.ID()).Str("file", file.Name).Logger()
	logger.Info().Int("bytes", len(file.Data)).Str("content_type", file.ContentType).Msg("submitting image for analysis")

	text := ErrorText
	verdict, err := f.predictor.Predict(context.WithoutCancel(ctx), *file)
	if err != nil {
		logger.Error().Err(err).Msg("image analysis failed")
	} else {
		text = SuccessText(file.Name, verdict.Result)
		if f.ledger != nil {
			f.ledger.Record(verdict)
		}
		logger.Info().Str("result", verdict.Result).Msg("image analyzed")
	}

	if _, err := sess.CompleteUpload(text); err != nil {
		return fmt.Errorf("complete upload: %w", err)
	}
	return nil
}

// Validate checks that file is present and sniffs as an image, filling in
// the content type from the sniffed data when the caller left it blank.
func Validate(file *inference.Upload) error {
	if file == nil || strings.TrimSpace(file.Name) == "" || len(file.Data) == 0 {
		return ErrMissingFile
	}

	detected := mimetype.Detect(file.Data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return fmt.Errorf("%w: detected %s", ErrUnsupportedFile, detected.String())
	}
	if file.ContentType == "" || file.ContentType == "application/octet-stream" {
		file.ContentType = detected.String()
	}
	return nil
}
