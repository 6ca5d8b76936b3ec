package models

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/config"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
	openai "github.com/sashabaranov/go-openai"
)

// Vendor keys used in ModelDescriptor.Vendor.
const (
	VendorOpenAI = "openai"
	VendorGroq   = "groq"
	VendorGoogle = "google"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// RemoteBackend is one cloud transcription vendor.
type RemoteBackend interface {
	Transcribe(ctx context.Context, job Job) (string, error)
}

// RemoteProvider serves cloud models. Nothing is downloaded or loaded; a
// model counts as downloaded when its vendor is configured.
type RemoteProvider struct {
	mu      sync.RWMutex
	vendors map[string]RemoteBackend
	catalog []types.ModelDescriptor
}

var remoteCatalog = []types.ModelDescriptor{
	{Identifier: "openai-whisper-1", DisplayName: "OpenAI Whisper", Vendor: VendorOpenAI, Model: "whisper-1"},
	{Identifier: "openai-gpt-4o-transcribe", DisplayName: "OpenAI GPT-4o Transcribe", Vendor: VendorOpenAI, Model: "gpt-4o-transcribe"},
	{Identifier: "openai-gpt-4o-mini-transcribe", DisplayName: "OpenAI GPT-4o mini Transcribe", Vendor: VendorOpenAI, Model: "gpt-4o-mini-transcribe"},
	{Identifier: "groq-whisper-large-v3", DisplayName: "Groq Whisper Large V3", Vendor: VendorGroq, Model: "whisper-large-v3"},
	{Identifier: "groq-whisper-large-v3-turbo", DisplayName: "Groq Whisper Large V3 Turbo", Vendor: VendorGroq, Model: "whisper-large-v3-turbo"},
	{Identifier: "groq-distil-whisper-large-v3-en", DisplayName: "Groq Distil Whisper (English)", Vendor: VendorGroq, Model: "distil-whisper-large-v3-en"},
	{Identifier: "google-default", DisplayName: "Google Cloud Speech-to-Text", Vendor: VendorGoogle, Model: "default"},
}

// NewRemoteProvider registers a backend for every vendor with credentials.
func NewRemoteProvider(cfg config.RemoteConfig, client *http.Client) *RemoteProvider {
	if client == nil {
		client = &http.Client{}
	}
	p := &RemoteProvider{vendors: make(map[string]RemoteBackend)}
	for _, d := range remoteCatalog {
		d.Family = types.FamilyRemote
		d.IsMultilingual = !strings.HasSuffix(d.Model, "-en")
		switch {
		case d.Vendor == VendorGoogle:
			// Google accepts any BCP-47 code; left empty.
		case d.IsMultilingual:
			d.SupportedLanguages = maps.Clone(whisperLanguages)
		default:
			d.SupportedLanguages = maps.Clone(englishOnly)
		}
		p.catalog = append(p.catalog, d)
	}

	if cfg.OpenAI.APIKey != "" {
		p.RegisterVendor(VendorOpenAI, NewOpenAIBackend(VendorOpenAI, cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, client))
	}
	if cfg.Groq.APIKey != "" {
		p.RegisterVendor(VendorGroq, NewOpenAIBackend(VendorGroq, cfg.Groq.APIKey, groqBaseURL, client))
	}
	if cfg.Google.APIKey != "" {
		p.RegisterVendor(VendorGoogle, NewGoogleBackend(cfg.Google.APIKey, cfg.Google.LanguageCode, "", client))
	}
	return p
}

// RegisterVendor adds or replaces a vendor backend.
func (p *RemoteProvider) RegisterVendor(name string, b RemoteBackend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vendors[name] = b
	L_debug("models: remote vendor registered", "vendor", name)
}

func (p *RemoteProvider) vendor(name string) (RemoteBackend, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	b, ok := p.vendors[name]
	return b, ok
}

func (p *RemoteProvider) Family() types.Family { return types.FamilyRemote }

func (p *RemoteProvider) Exclusive() bool { return false }

func (p *RemoteProvider) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	out := make([]types.ModelDescriptor, len(p.catalog))
	copy(out, p.catalog)
	return out, nil
}

func (p *RemoteProvider) IsDownloaded(d types.ModelDescriptor) bool {
	_, ok := p.vendor(d.Vendor)
	return ok
}

func (p *RemoteProvider) Download(ctx context.Context, d types.ModelDescriptor, report ReportFunc) error {
	return nil
}

func (p *RemoteProvider) Delete(d types.ModelDescriptor) error { return nil }

func (p *RemoteProvider) Load(ctx context.Context, d types.ModelDescriptor) error {
	if _, ok := p.vendor(d.Vendor); !ok {
		return fmt.Errorf("%w: %s is not configured", types.ErrNoProvider, d.Vendor)
	}
	return nil
}

func (p *RemoteProvider) Unload(ctx context.Context) error { return nil }

func (p *RemoteProvider) Transcribe(ctx context.Context, job Job) (string, error) {
	b, ok := p.vendor(job.Model.Vendor)
	if !ok {
		return "", fmt.Errorf("%w: %s is not configured", types.ErrNoProvider, job.Model.Vendor)
	}
	return b.Transcribe(ctx, job)
}

// OpenAIBackend talks to any OpenAI-compatible transcription endpoint
// (OpenAI itself, Groq).
type OpenAIBackend struct {
	name   string
	client *openai.Client
}

// NewOpenAIBackend creates a backend. An empty baseURL means api.openai.com.
func NewOpenAIBackend(name, apiKey, baseURL string, httpClient *http.Client) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIBackend{name: name, client: openai.NewClientWithConfig(cfg)}
}

// Transcribe uploads the artifact as-is; these APIs accept ogg, wav, mp3
// and friends directly.
func (b *OpenAIBackend) Transcribe(ctx context.Context, job Job) (string, error) {
	r, err := job.Audio.Open()
	if err != nil {
		return "", err
	}
	defer r.Close()

	req := openai.AudioRequest{
		Model:    job.Model.Model,
		FilePath: uploadName(job.Audio),
		Reader:   r,
		Prompt:   job.Prompt,
		Format:   openai.AudioResponseFormatText,
	}
	if job.Language != "" && job.Language != "auto" {
		req.Language = job.Language
	}

	L_debug("models: sending remote transcription", "vendor", b.name, "model", req.Model, "file", req.FilePath)
	resp, err := b.client.CreateTranscription(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%s API error: %w", b.name, err)
	}
	text := strings.TrimSpace(resp.Text)
	L_debug("models: remote transcription complete", "vendor", b.name, "length", len(text))
	return text, nil
}

// uploadName picks a filename whose extension matches the content, which
// the vendors use to choose a decoder.
func uploadName(a *audio.Artifact) string {
	if !a.InMemory() {
		return filepath.Base(a.Path())
	}
	kind, err := audio.Detect(a)
	if err != nil {
		return "audio.wav"
	}
	switch kind {
	case audio.KindOgg:
		return "audio.ogg"
	default:
		return "audio.wav"
	}
}
