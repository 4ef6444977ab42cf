package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
	chatflow "github.com/zhouzirui/pneumoscan/backend/internal/service/chat"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	sessionsvc "github.com/zhouzirui/pneumoscan/backend/internal/service/session"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/upload"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type stubPredictor struct {
	result string
	err    error
}

func (s stubPredictor) Predict(_ context.Context, file inference.Upload) (prediction.Prediction, error) {
	if s.err != nil {
		return prediction.Prediction{}, s.err
	}
	return prediction.Prediction{Filename: file.Name, Result: s.result}, nil
}

type stubResponder struct {
	reply string
}

func (s stubResponder) Reply(_ context.Context, text string) (string, error) {
	return s.reply + ": " + text, nil
}

type heldScheduler struct {
	mu    sync.Mutex
	funcs []func()
}

func (h *heldScheduler) AfterFunc(_ time.Duration, f func()) func() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.funcs = append(h.funcs, f)
	return func() bool { return false }
}

func (h *heldScheduler) fire() {
	h.mu.Lock()
	funcs := h.funcs
	h.funcs = nil
	h.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}

type fixture struct {
	router    *chi.Mux
	manager   *sessionsvc.Manager
	scheduler *heldScheduler
}

func setupRouter(predictor upload.Predictor) fixture {
	scheduler := &heldScheduler{}
	manager := sessionsvc.NewManager(scheduler, time.Second)
	handler := New(manager, upload.NewFlow(predictor, prediction.NewMemoryLedger(4)), chatflow.NewFlow(stubResponder{reply: "echo"}), 1<<20)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return fixture{router: r, manager: manager, scheduler: scheduler}
}

func (f fixture) do(method, path string, body []byte, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)
	return resp
}

func (f fixture) create(t *testing.T) chat.Snapshot {
	t.Helper()
	resp := f.do(http.MethodPost, "/sessions", nil, "")
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Code)
	}
	return decodeSnapshot(t, resp)
}

func decodeSnapshot(t *testing.T, resp *httptest.ResponseRecorder) chat.Snapshot {
	t.Helper()
	var snap chat.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, resp.Body.String())
	}
	return snap
}

func multipartImage(t *testing.T, field, name string, data []byte) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, name)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return buf.Bytes(), mw.FormDataContentType()
}

func toChat(t *testing.T, f fixture, id string) *sessionsvc.Session {
	t.Helper()
	sess, err := f.manager.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if err := sess.Advance(chat.StageUpload); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := sess.BeginUpload(); err != nil {
		t.Fatalf("begin upload: %v", err)
	}
	if _, err := sess.CompleteUpload("ready"); err != nil {
		t.Fatalf("complete upload: %v", err)
	}
	return sess
}

func TestCreateSessionStartsAtWelcome(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	if snap.Stage != chat.StageWelcome {
		t.Fatalf("expected welcome stage, got %s", snap.Stage)
	}
	if len(snap.Messages) != 0 {
		t.Fatalf("expected empty history, got %d messages", len(snap.Messages))
	}
}

func TestGetUnknownSession(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	resp := f.do(http.MethodGet, "/sessions/missing", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	if resp := f.do(http.MethodDelete, "/sessions/"+snap.ID, nil, ""); resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
	if resp := f.do(http.MethodGet, "/sessions/"+snap.ID, nil, ""); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.Code)
	}
}

func TestWelcomeSchedulesUploadStage(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/welcome", nil, "")
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"scheduled":true`) {
		t.Fatalf("expected scheduled=true, got %s", resp.Body.String())
	}

	again := f.do(http.MethodPost, "/sessions/"+snap.ID+"/welcome", nil, "")
	if !strings.Contains(again.Body.String(), `"scheduled":false`) {
		t.Fatalf("expected second signal to be ignored, got %s", again.Body.String())
	}

	if got := decodeSnapshot(t, f.do(http.MethodGet, "/sessions/"+snap.ID, nil, "")); got.Stage != chat.StageWelcome {
		t.Fatalf("stage changed before delay elapsed: %s", got.Stage)
	}

	f.scheduler.fire()

	if got := decodeSnapshot(t, f.do(http.MethodGet, "/sessions/"+snap.ID, nil, "")); got.Stage != chat.StageUpload {
		t.Fatalf("expected upload stage, got %s", got.Stage)
	}
}

func TestUploadEntersChat(t *testing.T) {
	f := setupRouter(stubPredictor{result: "PNEUMONIA"})
	snap := f.create(t)
	sess, _ := f.manager.Get(context.Background(), snap.ID)
	if err := sess.Advance(chat.StageUpload); err != nil {
		t.Fatalf("advance: %v", err)
	}

	body, contentType := multipartImage(t, "file", "xray1.png", pngBytes)
	resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", body, contentType)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	got := decodeSnapshot(t, resp)
	if got.Stage != chat.StageChat {
		t.Fatalf("expected chat stage, got %s", got.Stage)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("expected one message, got %d", len(got.Messages))
	}
	want := `I've analyzed your chest X-ray image "xray1.png". Result: PNEUMONIA.`
	if got.Messages[0].Text != want || got.Messages[0].Sender != chat.SenderAI {
		t.Fatalf("unexpected first message: %+v", got.Messages[0])
	}
}

func TestUploadFailureStillEntersChat(t *testing.T) {
	f := setupRouter(stubPredictor{err: errors.New("backend down")})
	snap := f.create(t)
	sess, _ := f.manager.Get(context.Background(), snap.ID)
	_ = sess.Advance(chat.StageUpload)

	body, contentType := multipartImage(t, "file", "xray1.png", pngBytes)
	got := decodeSnapshot(t, f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", body, contentType))

	if got.Stage != chat.StageChat || len(got.Messages) != 1 || got.Messages[0].Text != upload.ErrorText {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestUploadRejections(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	body, contentType := multipartImage(t, "file", "xray1.png", pngBytes)
	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", body, contentType); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 outside upload stage, got %d", resp.Code)
	}

	sess, _ := f.manager.Get(context.Background(), snap.ID)
	_ = sess.Advance(chat.StageUpload)

	wrongField, contentType := multipartImage(t, "image", "xray1.png", pngBytes)
	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", wrongField, contentType); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing file, got %d", resp.Code)
	}

	notImage, contentType := multipartImage(t, "file", "notes.txt", []byte("plain text, not an image"))
	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", notImage, contentType); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-image, got %d", resp.Code)
	}

	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/upload", []byte(`{}`), "application/json"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-multipart body, got %d", resp.Code)
	}

	if got := sess.Stage(); got != chat.StageUpload {
		t.Fatalf("rejected uploads must not change stage, got %s", got)
	}
}

func TestSendMessageRound(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)
	toChat(t, f, snap.ID)

	resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/messages", []byte(`{"text":"what now?"}`), "application/json")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	got := decodeSnapshot(t, resp)
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got.Messages))
	}
	if got.Messages[1].Sender != chat.SenderUser || got.Messages[1].Text != "what now?" {
		t.Fatalf("unexpected user message: %+v", got.Messages[1])
	}
	if got.Messages[2].Text != "echo: what now?" {
		t.Fatalf("unexpected reply: %+v", got.Messages[2])
	}
	if got.IsLoading {
		t.Fatalf("loading flag should be cleared")
	}
}

func TestSendDraft(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)
	toChat(t, f, snap.ID)

	if resp := f.do(http.MethodPut, "/sessions/"+snap.ID+"/draft", []byte(`{"text":"from draft"}`), "application/json"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	got := decodeSnapshot(t, f.do(http.MethodPost, "/sessions/"+snap.ID+"/messages", nil, ""))
	if got.PendingInput != "" {
		t.Fatalf("draft should be cleared, got %q", got.PendingInput)
	}
	if got.Messages[len(got.Messages)-1].Text != "echo: from draft" {
		t.Fatalf("unexpected reply: %+v", got.Messages[len(got.Messages)-1])
	}
}

func TestSendRejections(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/messages", []byte(`{"text":"hi"}`), "application/json"); resp.Code != http.StatusConflict {
		t.Fatalf("expected 409 outside chat stage, got %d", resp.Code)
	}

	toChat(t, f, snap.ID)

	resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/messages", []byte(`{"text":"   "}`), "application/json")
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank text, got %d", resp.Code)
	}
	if resp := f.do(http.MethodPost, "/sessions/"+snap.ID+"/messages", []byte(`{"text":`), "application/json"); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", resp.Code)
	}
}

func TestEventsStreamSnapshotFirst(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sessions/"+snap.ID+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if strings.TrimSpace(line) != "event: snapshot" {
		t.Fatalf("expected snapshot event first, got %q", line)
	}
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read data: %v", err)
	}
	_, _ = reader.ReadString('\n')

	sess, _ := f.manager.Get(context.Background(), snap.ID)
	if err := sess.Advance(chat.StageUpload); err != nil {
		t.Fatalf("advance: %v", err)
	}

	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stage event: %v", err)
	}
	if strings.TrimSpace(line) != "event: stage" {
		t.Fatalf("expected stage event, got %q", line)
	}
}

func TestWebSocketSendRound(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)
	toChat(t, f, snap.ID)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first outgoingMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "snapshot" {
		t.Fatalf("expected snapshot frame, got %s", first.Type)
	}

	if err := conn.WriteJSON(map[string]any{"type": "send", "data": map[string]string{"text": "hello"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var replies []string
	for len(replies) < 2 {
		var frame struct {
			Type string     `json:"type"`
			Data chat.Event `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if frame.Type == string(chat.EventMessage) && frame.Data.Message != nil {
			replies = append(replies, frame.Data.Message.Text)
		}
	}

	if replies[0] != "hello" || replies[1] != "echo: hello" {
		t.Fatalf("unexpected message frames: %v", replies)
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	f := setupRouter(stubPredictor{result: "NORMAL"})
	snap := f.create(t)

	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/" + snap.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame outgoingMessage
	_ = conn.ReadJSON(&frame)

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != "error" {
		t.Fatalf("expected error frame, got %s", frame.Type)
	}
}
