package evaluation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// Prompt is the fixed instruction sent with every recording
const Prompt = `You are reviewing a recorded outbound recruitment call between an automated recruiter and a candidate.
Listen to the whole call and evaluate the candidate.
Respond with a single JSON object and nothing else, using exactly these keys:
  "sentiment": one of "positive", "neutral", "negative"
  "interest_level": a number from 0 (not interested) to 10 (very interested)
  "outcome": a short phrase describing how the call ended
  "summary": two or three sentences summarizing the conversation
  "recommendation": "Hire" or "No-Hire" followed by a short reason`

// Evaluator turns a call recording into raw evaluation text
type Evaluator interface {
	Evaluate(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// GeminiEvaluator evaluates recordings with a Gemini audio model
type GeminiEvaluator struct {
	client *genai.Client
	model  string
	logger zerolog.Logger
}

// NewGeminiEvaluator creates the Gemini API client
func NewGeminiEvaluator(ctx context.Context, apiKey, model string, logger zerolog.Logger) (*GeminiEvaluator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiEvaluator{
		client: client,
		model:  model,
		logger: logger.With().Str("component", "gemini_evaluator").Logger(),
	}, nil
}

// Evaluate sends the prompt and the audio in one user turn
func (e *GeminiEvaluator) Evaluate(ctx context.Context, audio []byte, mimeType string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(Prompt),
			genai.NewPartFromBytes(audio, mimeType),
		}, genai.RoleUser),
	}

	resp, err := e.client.Models.GenerateContent(ctx, e.model, contents, &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0),
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate evaluation: %w", err)
	}

	text := resp.Text()
	e.logger.Debug().Int("audio_bytes", len(audio)).Int("response_chars", len(text)).Msg("evaluation generated")
	return text, nil
}
