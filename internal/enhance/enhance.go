// Package enhance runs the optional LLM clean-up pass over a transcript.
// A failed enhancement never fails the transcription; callers keep the
// post-processed text.
package enhance

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/roelfdiedericks/dictate/internal/config"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// Provider names accepted in config.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderXAI       = "xai"
)

// DefaultSystemPrompt is used when config leaves the prompt empty.
const DefaultSystemPrompt = `You clean up dictated text. Fix punctuation, capitalization and obvious
recognition errors. Keep the speaker's wording and language. Do not add content, answer
questions or explain changes. Reply with the corrected text only.`

// Context is what the caller knows about where the text is going.
type Context struct {
	Language    string // language hint, may be empty
	Application string // frontmost application, opaque
	Window      string // window title, opaque
}

// Enhancer rewrites a transcript.
type Enhancer interface {
	Name() string
	Enhance(ctx context.Context, text string, c Context) (string, error)
}

// New returns the enhancer configured in cfg, or nil when enhancement is
// disabled.
func New(cfg config.EnhancementConfig, httpClient *http.Client) (Enhancer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		return NewOpenAI(cfg.Model, cfg.APIKey, cfg.BaseURL, prompt, httpClient), nil
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic API key not configured")
		}
		return NewAnthropic(cfg.Model, cfg.APIKey, cfg.BaseURL, prompt, httpClient), nil
	case ProviderXAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("xai API key not configured")
		}
		return NewXAI(cfg.Model, cfg.APIKey, prompt, cfg.Timeout()), nil
	default:
		return nil, fmt.Errorf("unknown enhancement provider %q", cfg.Provider)
	}
}

// userMessage wraps text with the context hints the model may use.
func userMessage(text string, c Context) string {
	var b strings.Builder
	if c.Language != "" && c.Language != "auto" {
		fmt.Fprintf(&b, "Language: %s\n", c.Language)
	}
	if c.Application != "" {
		fmt.Fprintf(&b, "Application: %s\n", c.Application)
	}
	if c.Window != "" {
		fmt.Fprintf(&b, "Window: %s\n", c.Window)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("<transcript>\n")
	b.WriteString(text)
	b.WriteString("\n</transcript>")
	return b.String()
}

// clean strips wrappers some models echo back.
func clean(out string) string {
	out = strings.TrimSpace(out)
	out = strings.TrimPrefix(out, "<transcript>")
	out = strings.TrimSuffix(out, "</transcript>")
	return strings.TrimSpace(out)
}

// checkResult rejects empty replies so callers fall back to the original.
func checkResult(name, out string) (string, error) {
	out = clean(out)
	if out == "" {
		L_warn("enhance: empty reply", "provider", name)
		return "", fmt.Errorf("%s: empty enhancement", name)
	}
	return out, nil
}
