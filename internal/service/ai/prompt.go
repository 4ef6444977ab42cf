package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/pneumoscan/backend/internal/model/prediction"
)

const systemPrompt = `You are PneumoScan AI, a helpful and empathetic medical assistant specializing in pneumonia detection.
Respond like a friendly healthcare provider: explain things simply and keep internal reasoning or planning steps out of your answers.
Focus only on answering the user's questions in a warm, conversational tone.
Always remind the user to consult a real doctor for medical advice.`

const noScanContext = "No recent scan results available."

// BuildSystemPrompt returns the assistant's fixed instructions.
func BuildSystemPrompt() string {
	return systemPrompt
}

// BuildScanContext describes the most recent analysis for the model.
func BuildScanContext(p prediction.Prediction) string {
	diagnosis := "likely negative for pneumonia"
	if p.Positive() {
		diagnosis = "likely positive for pneumonia"
	}

	var builder strings.Builder
	builder.WriteString("User's most recent chest X-ray analysis:\n")
	builder.WriteString(fmt.Sprintf("- Diagnosis: %s", diagnosis))
	if p.Probability != nil {
		builder.WriteString(fmt.Sprintf(" (confidence: %.0f%%)", *p.Probability*100))
	} else if p.Confidence != "" {
		builder.WriteString(fmt.Sprintf(" (confidence: %s)", p.Confidence))
	}
	builder.WriteString("\n")
	builder.WriteString(fmt.Sprintf("- Result: %s\n", p.Result))
	builder.WriteString(fmt.Sprintf("- File: %s\n", p.Filename))
	builder.WriteString(fmt.Sprintf("- Time: %s\n", p.RecordedAt.Format("2006-01-02T15:04:05Z07:00")))
	return builder.String()
}

// BuildUserTurn prefixes the question with the scan context.
func BuildUserTurn(scanContext, question string) string {
	if scanContext == "" {
		scanContext = noScanContext
	}
	return fmt.Sprintf("%s\n\nUser question: %s", scanContext, question)
}
