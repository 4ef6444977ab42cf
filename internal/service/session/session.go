package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/chat"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrIllegalTransition = errors.New("illegal stage transition")
	ErrWrongStage        = errors.New("action not available in the current stage")
	ErrBusy              = errors.New("a request is already in flight")
	ErrBlankMessage      = errors.New("message is blank")
)

const subscriberBuffer = 32

// Session owns the state of one conversation: its stage, message history,
// draft input and in-flight flags. All methods are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	updatedAt time.Time

	stage     chat.Stage
	messages  messageLog
	draft     string
	loading   bool
	uploading bool

	welcomeScheduled bool
	stopWelcome      func() bool

	subs    map[int]chan chat.Event
	nextSub int
	closed  bool
}

// New creates a session in the welcome stage.
func New() *Session {
	now := time.Now().UTC()
	return &Session{
		id:        uuid.NewString(),
		createdAt: now,
		updatedAt: now,
		stage:     chat.StageWelcome,
		messages:  messageLog{items: make([]chat.Message, 0, 16)},
		subs:      make(map[int]chan chat.Event),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Stage returns the current stage.
func (s *Session) Stage() chat.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Messages returns the history in insertion order.
func (s *Session) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages.all()
}

// Loading reports whether a chat request is in flight.
func (s *Session) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// LastActive returns the time of the latest state change.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Snapshot copies the full session state.
func (s *Session) Snapshot() chat.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return chat.Snapshot{
		ID:           s.id,
		Stage:        s.stage,
		Messages:     s.messages.all(),
		PendingInput: s.draft,
		IsLoading:    s.loading,
		Uploading:    s.uploading,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// Advance moves the session to next. Only welcome→upload and upload→chat are legal.
func (s *Session) Advance(next chat.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next)
}

func (s *Session) advanceLocked(next chat.Stage) error {
	want, ok := s.stage.Next()
	if !ok || want != next {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.stage, next)
	}

	s.stage = next
	s.touchLocked()
	s.publishLocked(chat.Event{Type: chat.EventStage, Stage: next})
	log.Debug().Str("session_id", s.id).Str("stage", string(next)).Msg("stage advanced")
	return nil
}

// ScheduleWelcome arranges the welcome→upload transition delay after now.
// It schedules at most once per session and reports whether this call did.
func (s *Session) ScheduleWelcome(scheduler Scheduler, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != chat.StageWelcome || s.welcomeScheduled || s.closed {
		return false
	}
	s.welcomeScheduled = true
	s.stopWelcome = scheduler.AfterFunc(delay, func() {
		if err := s.Advance(chat.StageUpload); err != nil {
			log.Debug().Err(err).Str("session_id", s.id).Msg("welcome transition skipped")
		}
	})
	return true
}

func (s *Session) appendLocked(sender chat.Sender, text string) chat.Message {
	msg := chat.Message{
		ID:        uuid.NewString(),
		SessionID: s.id,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
	s.messages.append(msg)
	s.touchLocked()
	s.publishLocked(chat.Event{Type: chat.EventMessage, Message: &msg})
	return msg
}

// SetDraft replaces the pending input.
func (s *Session) SetDraft(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = text
	s.touchLocked()
}

// Draft returns the pending input.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// BeginUpload marks an upload in flight. It fails outside the upload stage
// or while another upload is pending.
func (s *Session) BeginUpload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != chat.StageUpload {
		return ErrWrongStage
	}
	if s.uploading {
		return ErrBusy
	}
	s.uploading = true
	s.touchLocked()
	return nil
}

// CompleteUpload seeds the history with the upload outcome and enters the chat stage.
func (s *Session) CompleteUpload(text string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.uploading = false
	if s.stage != chat.StageUpload {
		return chat.Message{}, ErrWrongStage
	}
	msg := s.appendLocked(chat.SenderAI, text)
	if err := s.advanceLocked(chat.StageChat); err != nil {
		return msg, err
	}
	return msg, nil
}

// BeginSend appends the user's message, clears the draft and marks a chat
// request in flight. Blank text and concurrent sends are rejected untouched.
func (s *Session) BeginSend(text string) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginSendLocked(text)
}

// BeginSendDraft is BeginSend with the pending input, read and cleared in
// the same critical section so a concurrent SetDraft is either sent or kept.
func (s *Session) BeginSendDraft() (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginSendLocked(s.draft)
}

func (s *Session) beginSendLocked(text string) (chat.Message, error) {
	if s.stage != chat.StageChat {
		return chat.Message{}, ErrWrongStage
	}
	if s.loading {
		return chat.Message{}, ErrBusy
	}
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, ErrBlankMessage
	}

	msg := s.appendLocked(chat.SenderUser, text)
	s.draft = ""
	s.setLoadingLocked(true)
	return msg, nil
}

// FinishSend appends the assistant's reply and clears the loading flag.
func (s *Session) FinishSend(text string) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := s.appendLocked(chat.SenderAI, text)
	s.setLoadingLocked(false)
	return msg
}

func (s *Session) setLoadingLocked(loading bool) {
	s.loading = loading
	s.touchLocked()
	s.publishLocked(chat.Event{Type: chat.EventLoading, Loading: &loading})
}

// Subscribe returns a channel of state changes and a func to stop receiving.
// A subscriber that falls behind misses events rather than blocking the session.
func (s *Session) Subscribe() (<-chan chat.Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan chat.Event, subscriberBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}

	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops the pending welcome timer and ends all subscriptions.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.stopWelcome != nil {
		s.stopWelcome()
	}
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *Session) publishLocked(event chat.Event) {
	event.SessionID = s.id
	event.Timestamp = time.Now().UTC()
	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			log.Warn().Str("component", "session").Str("session_id", s.id).Int("subscriber", id).
				Str("event", string(event.Type)).Msg("subscriber buffer full, dropping event")
		}
	}
}

func (s *Session) touchLocked() {
	s.updatedAt = time.Now().UTC()
}
