package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
)

type fakeChatModel struct {
	reply  string
	chunks []string
	err    error
	seen   []*schema.Message
}

func (f *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	return &schema.Message{
		Role:    schema.Assistant,
		Content: f.reply,
		ResponseMeta: &schema.ResponseMeta{
			Usage: &schema.TokenUsage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14},
		},
	}, nil
}

func (f *fakeChatModel) Stream(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.seen = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, &schema.Message{Role: schema.Assistant, Content: c})
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestAnswerWithoutScanContext(t *testing.T) {
	fake := &fakeChatModel{reply: "  Rest and hydrate.  "}
	svc, err := NewService(context.Background(), fake, prediction.NewMemoryLedger(4), false)
	require.NoError(t, err)

	answer, err := svc.Answer(context.Background(), "What should I do?")
	require.NoError(t, err)
	require.Equal(t, "Rest and hydrate.", answer.Content)
	require.False(t, answer.ContextUsed)
	require.Equal(t, 14, answer.Usage.TotalTokens)

	require.Len(t, fake.seen, 2)
	require.Equal(t, schema.System, fake.seen[0].Role)
	require.Contains(t, fake.seen[0].Content, "PneumoScan AI")
	require.Equal(t, "No recent scan results available.\n\nUser question: What should I do?", fake.seen[1].Content)
}

func TestAnswerUsesLatestPrediction(t *testing.T) {
	ledger := prediction.NewMemoryLedger(4)
	probability := 0.87
	ledger.Record(prediction.Prediction{Filename: "xray1.png", Result: "Pneumonia", Probability: &probability, RecordedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)})

	fake := &fakeChatModel{reply: "See a doctor."}
	svc, err := NewService(context.Background(), fake, ledger, false)
	require.NoError(t, err)

	answer, err := svc.Answer(context.Background(), "Is it bad?")
	require.NoError(t, err)
	require.True(t, answer.ContextUsed)

	userTurn := fake.seen[1].Content
	require.Contains(t, userTurn, "likely positive for pneumonia (confidence: 87%)")
	require.Contains(t, userTurn, "- File: xray1.png")
	require.True(t, strings.HasSuffix(userTurn, "User question: Is it bad?"))
}

func TestAnswerEmptyCompletion(t *testing.T) {
	svc, err := NewService(context.Background(), &fakeChatModel{reply: "   "}, nil, false)
	require.NoError(t, err)

	_, err = svc.Answer(context.Background(), "hi")
	require.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestAnswerModelFailure(t *testing.T) {
	svc, err := NewService(context.Background(), &fakeChatModel{err: errors.New("upstream down")}, nil, false)
	require.NoError(t, err)

	_, err = svc.Answer(context.Background(), "hi")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrEmptyCompletion)
}

func TestStreamAnswerConcatenatesDeltas(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Rest ", "and ", "hydrate."}}
	svc, err := NewService(context.Background(), fake, nil, true)
	require.NoError(t, err)

	var deltas []string
	answer, err := svc.StreamAnswer(context.Background(), "hi", func(d string) { deltas = append(deltas, d) })
	require.NoError(t, err)
	require.Equal(t, "Rest and hydrate.", answer.Content)
	require.Equal(t, []string{"Rest ", "and ", "hydrate."}, deltas)
}

func TestBuildScanContextNegative(t *testing.T) {
	probability := 0.12
	text := BuildScanContext(prediction.Prediction{Filename: "a.png", Result: "Normal", Probability: &probability})
	require.Contains(t, text, "likely negative for pneumonia (confidence: 12%)")
}
