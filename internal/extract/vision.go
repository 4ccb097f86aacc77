package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/ollama/ollama/api"
	"golang.org/x/time/rate"
)

const (
	captionPrompt = "Describe this image in one short sentence."
	objectsPrompt = "Which of these appear in the image: %s? " +
		"Answer only with the matching words, separated by commas, or none."
)

// OllamaVision captions images and tags objects with a multimodal model
// served by Ollama.
type OllamaVision struct {
	client  *api.Client
	limiter *rate.Limiter
	model   string
	logger  *slog.Logger
}

// NewOllamaVision creates a vision adapter. limiter may be nil.
func NewOllamaVision(client *api.Client, limiter *rate.Limiter, model string, logger *slog.Logger) *OllamaVision {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &OllamaVision{
		client:  client,
		limiter: limiter,
		model:   model,
		logger:  logger.With("component", "vision", "model", model),
	}
}

// Caption implements Captioner.
func (v *OllamaVision) Caption(ctx context.Context, image []byte) (string, error) {
	answer, err := v.ask(ctx, captionPrompt, image)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

// DetectObjects implements ObjectDetector.
func (v *OllamaVision) DetectObjects(ctx context.Context, image []byte, categories []string) ([]string, error) {
	if len(categories) == 0 {
		return nil, nil
	}
	answer, err := v.ask(ctx, fmt.Sprintf(objectsPrompt, strings.Join(categories, ", ")), image)
	if err != nil {
		return nil, err
	}
	return MatchCategories(answer, categories), nil
}

func (v *OllamaVision) ask(ctx context.Context, prompt string, image []byte) (string, error) {
	if err := v.limiter.Wait(ctx); err != nil {
		return "", err
	}

	stream := false
	req := &api.ChatRequest{
		Model: v.model,
		Messages: []api.Message{
			{Role: "user", Content: prompt, Images: []api.ImageData{image}},
		},
		Options: map[string]interface{}{"temperature": 0.0},
		Stream:  &stream,
	}

	var answer strings.Builder
	err := v.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		answer.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("vision model %q: %w", v.model, err)
	}
	return answer.String(), nil
}

// MatchCategories returns the categories mentioned in answer, in category
// order. Matching is by whole words and ignores case.
func MatchCategories(answer string, categories []string) []string {
	words := strings.FieldsFunc(strings.ToLower(answer), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	text := " " + strings.Join(words, " ") + " "

	var found []string
	for _, c := range categories {
		needle := strings.Join(strings.Fields(strings.ToLower(c)), " ")
		if needle == "" {
			continue
		}
		if strings.Contains(text, " "+needle+" ") {
			found = append(found, c)
		}
	}
	return found
}
