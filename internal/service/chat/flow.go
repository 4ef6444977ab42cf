package chat

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/service/inference"
	"github.com/zhouzirui/pneumoscan/backend/internal/service/session"
)

// Responder answers one free-text question.
type Responder interface {
	Reply(ctx context.Context, text string) (string, error)
}

// Flow runs one question/answer round against the chat endpoint.
type Flow struct {
	responder Responder
}

// NewFlow wires the flow to its responder.
func NewFlow(responder Responder) *Flow {
	return &Flow{responder: responder}
}

// Send appends the user's text, asks the responder and appends its answer.
// While a round is in flight further sends fail with session.ErrBusy and
// change nothing. Responder failures become the assistant's message.
func (f *Flow) Send(ctx context.Context, sess *session.Session, text string) error {
	msg, err := sess.BeginSend(text)
	if err != nil {
		return err
	}
	f.answer(ctx, sess, msg.Text)
	return nil
}

// SendDraft sends the session's pending input.
func (f *Flow) SendDraft(ctx context.Context, sess *session.Session) error {
	msg, err := sess.BeginSendDraft()
	if err != nil {
		return err
	}
	f.answer(ctx, sess, msg.Text)
	return nil
}

func (f *Flow) answer(ctx context.Context, sess *session.Session, text string) {
	logger := log.With().Str("component", "chat").Str("session_id", sess.ID()).Logger()

	reply, err := f.responder.Reply(context.WithoutCancel(ctx), text)
	if err != nil {
		reply = inference.Describe(err)
		logger.Error().Err(err).Msg("chat round failed")
	} else {
		logger.Debug().Int("reply_length", len(reply)).Msg("chat round completed")
	}

	sess.FinishSend(reply)
}
