package chat

import "time"

// Sender identifies who authored a chat turn.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Message is one chat turn. Timestamp is for display only; history order is insertion order.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DisplayTime formats the timestamp the way the chat view shows it.
func (m Message) DisplayTime() string {
	return m.Timestamp.Local().Format("15:04")
}
