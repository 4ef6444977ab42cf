package inference

import (
	"errors"
	"fmt"
)

// Kind classifies an upstream failure.
type Kind string

const (
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindPayload   Kind = "payload"
	KindNoReply   Kind = "no_reply"
)

// FallbackDescription is shown when a failure carries no description of its own.
const FallbackDescription = "Sorry, I encountered an error."

// NoReplyDescription is the description of a chat response without reply content.
const NoReplyDescription = "No response content found"

// Error is a failed round-trip to the prediction or chat endpoint.
type Error struct {
	Kind        Kind
	Endpoint    string
	Status      int
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Endpoint, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Describe returns the user-facing description of err.
func Describe(err error) string {
	var upstream *Error
	if errors.As(err, &upstream) && upstream.Description != "" {
		return upstream.Description
	}
	return FallbackDescription
}

// IsKind reports whether err is an upstream error of kind k.
func IsKind(err error, k Kind) bool {
	var upstream *Error
	return errors.As(err, &upstream) && upstream.Kind == k
}
