package inference

import (
	"encoding/json"
	"errors"
)

// ReplyShape tells which response layout carried the reply.
type ReplyShape int

const (
	ReplyShapeChoices ReplyShape = iota + 1
	ReplyShapeReply
)

func (s ReplyShape) String() string {
	switch s {
	case ReplyShapeChoices:
		return "choices"
	case ReplyShapeReply:
		return "reply"
	default:
		return "unknown"
	}
}

// Reply is the text extracted from a chat response.
type Reply struct {
	Shape ReplyShape
	Text  string
}

var errNoReply = errors.New("response has neither choices[0].message.content nor reply")

type completionBody struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Reply string `json:"reply"`
	Error string `json:"error"`
}

// ParseReply tries the completion layout first, then the plain reply field.
// Empty content counts as absent.
func ParseReply(body []byte) (Reply, error) {
	var decoded completionBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return Reply{}, err
	}
	return decoded.reply()
}

func (b completionBody) reply() (Reply, error) {
	if len(b.Choices) > 0 && b.Choices[0].Message.Content != "" {
		return Reply{Shape: ReplyShapeChoices, Text: b.Choices[0].Message.Content}, nil
	}
	if b.Reply != "" {
		return Reply{Shape: ReplyShapeReply, Text: b.Reply}, nil
	}
	return Reply{}, errNoReply
}
