package chat

import "time"

// Stage is one of the mutually exclusive UI phases of a session.
type Stage string

const (
	StageWelcome Stage = "welcome"
	StageUpload  Stage = "upload"
	StageChat    Stage = "chat"
)

// Next returns the only stage reachable from s, or false when s is terminal.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageWelcome:
		return StageUpload, true
	case StageUpload:
		return StageChat, true
	default:
		return "", false
	}
}

// Snapshot is a read-only copy of a session's state.
type Snapshot struct {
	ID           string    `json:"id"`
	Stage        Stage     `json:"stage"`
	Messages     []Message `json:"messages"`
	PendingInput string    `json:"pendingInput"`
	IsLoading    bool      `json:"isLoading"`
	Uploading    bool      `json:"uploading"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// EventType names a session state change.
type EventType string

const (
	EventStage   EventType = "stage"
	EventMessage EventType = "message"
	EventLoading EventType = "loading"
)

// Event is published to session subscribers on every state change.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Stage     Stage     `json:"stage,omitempty"`
	Message   *Message  `json:"message,omitempty"`
	Loading   *bool     `json:"loading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
