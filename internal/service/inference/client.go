package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
)

const (
	endpointPredict = "predict"
	endpointChat    = "chat"

	maxResponseBytes = 1 << 20
)

// Upload is a file chosen for analysis.
type Upload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Client talks to the prediction and chat endpoints.
type Client struct {
	PredictURL string
	ChatURL    string
	HTTPClient *http.Client
}

// NewClient builds a client. A zero timeout leaves requests unbounded.
func NewClient(predictURL, chatURL string, timeout time.Duration) *Client {
	return &Client{
		PredictURL: predictURL,
		ChatURL:    chatURL,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type predictBody struct {
	Result         string          `json:"result"`
	Probability    *float64        `json:"probability"`
	Confidence     json.RawMessage `json:"confidence"`
	Interpretation string          `json:"interpretation"`
	Recommendation string          `json:"recommendation"`
	Note           string          `json:"note"`
	Error          string          `json:"error"`
}

// Predict posts file as multipart field "file" and decodes the verdict.
func (c *Client) Predict(ctx context.Context, file Upload) (prediction.Prediction, error) {
	body, contentType, err := encodeUpload(file)
	if err != nil {
		return prediction.Prediction{}, &Error{Kind: KindPayload, Endpoint: endpointPredict, Err: err}
	}

	status, raw, err := c.post(ctx, c.PredictURL, contentType, body)
	if err != nil {
		return prediction.Prediction{}, &Error{Kind: KindTransport, Endpoint: endpointPredict, Err: err}
	}

	if status < 200 || status >= 300 {
		return prediction.Prediction{}, &Error{
			Kind:        KindStatus,
			Endpoint:    endpointPredict,
			Status:      status,
			Description: ErrorMessage(raw),
		}
	}

	verdict, err := DecodePrediction(raw, file.Name)
	if err != nil {
		return prediction.Prediction{}, &Error{Kind: KindPayload, Endpoint: endpointPredict, Status: status, Err: err}
	}
	return verdict, nil
}

// Forward posts an already encoded multipart body to the prediction endpoint
// and returns the upstream status and body untouched.
func (c *Client) Forward(ctx context.Context, contentType string, body io.Reader) (int, []byte, error) {
	status, raw, err := c.post(ctx, c.PredictURL, contentType, body)
	if err != nil {
		return status, raw, &Error{Kind: KindTransport, Endpoint: endpointPredict, Status: status, Err: err}
	}
	return status, raw, nil
}

// DecodePrediction parses a successful prediction response for filename.
func DecodePrediction(raw []byte, filename string) (prediction.Prediction, error) {
	var decoded predictBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return prediction.Prediction{}, err
	}
	if decoded.Result == "" {
		return prediction.Prediction{}, errors.New("missing result field")
	}

	return prediction.Prediction{
		Filename:       filename,
		Result:         decoded.Result,
		Probability:    decoded.Probability,
		Confidence:     rawText(decoded.Confidence),
		Interpretation: decoded.Interpretation,
		Recommendation: decoded.Recommendation,
		Note:           decoded.Note,
		RecordedAt:     time.Now().UTC(),
	}, nil
}

// ErrorMessage extracts the "error" field of a failed response body.
func ErrorMessage(raw []byte) string {
	var failure predictBody
	if err := json.Unmarshal(raw, &failure); err != nil {
		return ""
	}
	return strings.TrimSpace(failure.Error)
}

// Reply posts {"message": text} and extracts the assistant's answer.
func (c *Client) Reply(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"message": text})
	if err != nil {
		return "", &Error{Kind: KindPayload, Endpoint: endpointChat, Err: err}
	}

	status, raw, err := c.post(ctx, c.ChatURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Kind: KindTransport, Endpoint: endpointChat, Err: err}
	}

	var decoded completionBody
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if status < 200 || status >= 300 {
			return "", &Error{Kind: KindStatus, Endpoint: endpointChat, Status: status}
		}
		return "", &Error{Kind: KindPayload, Endpoint: endpointChat, Status: status, Err: err}
	}

	if status < 200 || status >= 300 {
		return "", &Error{
			Kind:        KindStatus,
			Endpoint:    endpointChat,
			Status:      status,
			Description: strings.TrimSpace(decoded.Error),
		}
	}

	reply, err := decoded.reply()
	if err != nil {
		return "", &Error{Kind: KindNoReply, Endpoint: endpointChat, Status: status, Description: NoReplyDescription, Err: err}
	}

	log.Debug().Str("component", "inference").Str("shape", reply.Shape.String()).Int("length", len(reply.Text)).Msg("chat reply parsed")
	return reply.Text, nil
}

func (c *Client) post(ctx context.Context, url, contentType string, body io.Reader) (int, []byte, error) {
	if strings.TrimSpace(url) == "" {
		return 0, nil, errors.New("endpoint url is not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func encodeUpload(file Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(file.Name)))
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(file.Data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &buf, writer.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// rawText renders a JSON scalar as plain text; backends send confidence as "93.12%" or 0.93.
func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
