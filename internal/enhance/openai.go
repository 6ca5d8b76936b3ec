package enhance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/dictate/internal/logging"
	openai "github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o-mini"

// OpenAIEnhancer uses a chat completion on any OpenAI-compatible endpoint.
type OpenAIEnhancer struct {
	client *openai.Client
	model  string
	system string
}

// NewOpenAI creates an enhancer. An empty apiKey is allowed for local
// servers that ignore auth.
func NewOpenAI(model, apiKey, baseURL, systemPrompt string, httpClient *http.Client) *OpenAIEnhancer {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	L_debug("enhance: openai enhancer created", "model", model, "baseURL", cfg.BaseURL)
	return &OpenAIEnhancer{client: openai.NewClientWithConfig(cfg), model: model, system: systemPrompt}
}

func (e *OpenAIEnhancer) Name() string { return "openai/" + e.model }

func (e *OpenAIEnhancer) Enhance(ctx context.Context, text string, c Context) (string, error) {
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: e.system},
			{Role: openai.ChatMessageRoleUser, Content: userMessage(text, c)},
		},
		Temperature: 0.2,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("openai enhancement: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai enhancement: no choices")
	}
	L_debug("enhance: openai reply", "model", e.model, "tokens", resp.Usage.TotalTokens)
	return checkResult(e.Name(), resp.Choices[0].Message.Content)
}
