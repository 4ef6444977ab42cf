package session

import "github.com/zhouzirui/pneumoscan/backend/internal/model/chat"

// messageLog is the append-only chat history of one session.
// Callers hold the owning session's lock.
type messageLog struct {
	items []chat.Message
}

func (l *messageLog) append(msg chat.Message) {
	l.items = append(l.items, msg)
}

// all returns a copy in insertion order.
func (l *messageLog) all() []chat.Message {
	copied := make([]chat.Message, len(l.items))
	copy(copied, l.items)
	return copied
}
