package enhance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

const (
	defaultAnthropicModel = "claude-3-5-haiku-latest"
	anthropicMaxTokens    = 4096
)

// AnthropicEnhancer uses the Messages API.
type AnthropicEnhancer struct {
	client *anthropic.Client
	model  string
	system string
}

// NewAnthropic creates an enhancer. baseURL may point at any
// Anthropic-compatible API.
func NewAnthropic(model, apiKey, baseURL, systemPrompt string, httpClient *http.Client) *AnthropicEnhancer {
	if model == "" {
		model = defaultAnthropicModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropic.NewClient(opts...)
	L_debug("enhance: anthropic enhancer created", "model", model)
	return &AnthropicEnhancer{client: &client, model: model, system: systemPrompt}
}

func (e *AnthropicEnhancer) Name() string { return "anthropic/" + e.model }

func (e *AnthropicEnhancer) Enhance(ctx context.Context, text string, c Context) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: anthropicMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userMessage(text, c))),
		},
	}
	if e.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: e.system}}
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("anthropic enhancement: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			b.WriteString(variant.Text)
		}
	}
	L_debug("enhance: anthropic reply", "model", e.model, "stopReason", msg.StopReason,
		"inputTokens", msg.Usage.InputTokens, "outputTokens", msg.Usage.OutputTokens)
	return checkResult(e.Name(), b.String())
}
