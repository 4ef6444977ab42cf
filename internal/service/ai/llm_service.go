package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
)

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("no response content found in API response")

// Usage reports token accounting for one answer.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Answer is the assistant's reply to one question.
type Answer struct {
	Content     string
	Usage       Usage
	ContextUsed bool
}

// Service answers questions about the latest scan with an LLM chain.
type Service struct {
	chatModel model.BaseChatModel
	ledger    prediction.Ledger
	streaming bool
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewService compiles the prompt→model chain.
func NewService(ctx context.Context, chatModel model.BaseChatModel, ledger prediction.Ledger, streaming bool) (*Service, error) {
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		ledger:    ledger,
		streaming: streaming,
		chain:     runnable,
	}, nil
}

// StreamingEnabled 指示是否开启 SSE 流式输出。
func (s *Service) StreamingEnabled() bool {
	return s.streaming
}

// Answer runs one non-streaming round.
func (s *Service) Answer(ctx context.Context, question string) (Answer, error) {
	input, contextUsed := s.buildChainInput(question)

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to run AI chain: %w", err)
	}

	content := strings.TrimSpace(response.Content)
	if content == "" {
		return Answer{}, ErrEmptyCompletion
	}

	log.Info().Str("component", "ai").Bool("context_used", contextUsed).Int("length", len(content)).Msg("generated answer")
	return Answer{Content: content, Usage: usageOf(response), ContextUsed: contextUsed}, nil
}

// StreamAnswer streams answer chunks to onDelta and returns the merged answer.
func (s *Service) StreamAnswer(ctx context.Context, question string, onDelta func(string)) (Answer, error) {
	if !s.StreamingEnabled() {
		answer, err := s.Answer(ctx, question)
		if err == nil && onDelta != nil {
			onDelta(answer.Content)
		}
		return answer, err
	}

	input, contextUsed := s.buildChainInput(question)

	stream, err := s.chain.Stream(ctx, input)
	if err != nil {
		return Answer{}, fmt.Errorf("failed to stream AI chain output: %w", err)
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return Answer{}, recvErr
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			onDelta(chunk.Content)
		}
	}
	if len(chunks) == 0 {
		return Answer{}, ErrEmptyCompletion
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return Answer{}, err
	}

	content := strings.TrimSpace(merged.Content)
	if content == "" {
		return Answer{}, ErrEmptyCompletion
	}
	return Answer{Content: content, Usage: usageOf(merged), ContextUsed: contextUsed}, nil
}

func (s *Service) buildChainInput(question string) (map[string]any, bool) {
	scanContext := ""
	if s.ledger != nil {
		if latest, ok := s.ledger.Latest(); ok {
			scanContext = BuildScanContext(latest)
		}
	}

	return map[string]any{
		"system": BuildSystemPrompt(),
		"query":  BuildUserTurn(scanContext, question),
	}, scanContext != ""
}

func usageOf(msg *schema.Message) Usage {
	if msg == nil || msg.ResponseMeta == nil || msg.ResponseMeta.Usage == nil {
		return Usage{}
	}
	u := msg.ResponseMeta.Usage
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
