package enhance

import (
	"context"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/xai-go"
)

const (
	defaultXAIModel = "grok-3-mini"
	xaiMaxTokens    = 4096
)

// XAIEnhancer uses xAI's gRPC chat API. The client is dialed on first use.
type XAIEnhancer struct {
	apiKey  string
	model   string
	system  string
	timeout time.Duration

	clientMu sync.Mutex
	client   *xai.Client
}

// NewXAI creates an enhancer. timeout bounds each request; zero leaves the
// library default.
func NewXAI(model, apiKey, systemPrompt string, timeout time.Duration) *XAIEnhancer {
	if model == "" {
		model = defaultXAIModel
	}
	L_debug("enhance: xai enhancer created", "model", model)
	return &XAIEnhancer{apiKey: apiKey, model: model, system: systemPrompt, timeout: timeout}
}

func (e *XAIEnhancer) Name() string { return "xai/" + e.model }

func (e *XAIEnhancer) getClient() (*xai.Client, error) {
	e.clientMu.Lock()
	defer e.clientMu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	cfg := xai.Config{APIKey: xai.NewSecureString(e.apiKey)}
	if e.timeout > 0 {
		cfg.Timeout = e.timeout
	}
	client, err := xai.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create xai client: %w", err)
	}
	e.client = client
	return client, nil
}

func (e *XAIEnhancer) Enhance(ctx context.Context, text string, c Context) (string, error) {
	client, err := e.getClient()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}

	req := xai.NewChatRequest().
		WithModel(e.model).
		WithMaxTokens(xaiMaxTokens)
	if e.system != "" {
		req.SystemMessage(xai.SystemContent{Text: e.system})
	}
	req.UserMessage(xai.UserContent{Text: userMessage(text, c)})

	resp, err := client.CompleteChat(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("xai enhancement: %w", err)
	}
	L_debug("enhance: xai reply", "model", e.model,
		"inputTokens", resp.Usage.PromptTokens, "outputTokens", resp.Usage.CompletionTokens)
	return checkResult(e.Name(), resp.Content)
}
