package models

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pion/opus/pkg/oggreader"
	"github.com/roelfdiedericks/dictate/internal/audio"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

const googleSpeechURL = "https://speech.googleapis.com/v1/speech:recognize"

// GoogleBackend uses the Google Cloud Speech-to-Text REST API.
type GoogleBackend struct {
	apiKey       string
	languageCode string
	endpoint     string
	client       *http.Client
}

// NewGoogleBackend creates a backend. An empty endpoint means the public API.
func NewGoogleBackend(apiKey, languageCode, endpoint string, client *http.Client) *GoogleBackend {
	if languageCode == "" {
		languageCode = "en-US"
	}
	if endpoint == "" {
		endpoint = googleSpeechURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GoogleBackend{apiKey: apiKey, languageCode: languageCode, endpoint: endpoint, client: client}
}

// encodingFor maps detected content to Google's encoding and sample rate.
// A zero rate lets Google detect it.
func encodingFor(a *audio.Artifact) (string, int) {
	kind, err := audio.Detect(a)
	if err != nil {
		return "ENCODING_UNSPECIFIED", 0
	}
	switch kind {
	case audio.KindWAV:
		if info, err := audio.Inspect(a); err == nil {
			return "LINEAR16", info.SampleRate
		}
		return "LINEAR16", audio.TargetSampleRate
	case audio.KindOgg:
		return "OGG_OPUS", oggSampleRate(a)
	default:
		return "ENCODING_UNSPECIFIED", 0
	}
}

// oggSampleRate reads the rate from an Ogg/Opus header, defaulting to 48 kHz.
func oggSampleRate(a *audio.Artifact) int {
	r, err := a.Open()
	if err != nil {
		return 48000
	}
	defer r.Close()
	_, header, err := oggreader.NewWith(r)
	if err != nil || header.SampleRate == 0 {
		return 48000
	}
	return int(header.SampleRate)
}

// languageFor turns a whisper-style hint ("de") into BCP-47 when possible.
func (g *GoogleBackend) languageFor(hint string) string {
	if hint == "" || hint == "auto" {
		return g.languageCode
	}
	if strings.Contains(hint, "-") {
		return hint
	}
	if strings.HasPrefix(g.languageCode, hint+"-") {
		return g.languageCode
	}
	return hint
}

func (g *GoogleBackend) Transcribe(ctx context.Context, job Job) (string, error) {
	r, err := job.Audio.Open()
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		return "", fmt.Errorf("read audio: %w", err)
	}

	encoding, sampleRate := encodingFor(job.Audio)
	lang := g.languageFor(job.Language)

	cfg := map[string]any{
		"encoding":                   encoding,
		"languageCode":               lang,
		"model":                      job.Model.Model,
		"enableAutomaticPunctuation": true,
	}
	if sampleRate > 0 {
		cfg["sampleRateHertz"] = sampleRate
	}
	if job.Prompt != "" {
		cfg["speechContexts"] = []map[string]any{{"phrases": strings.Fields(job.Prompt)}}
	}
	body, err := json.Marshal(map[string]any{
		"config": cfg,
		"audio":  map[string]any{"content": base64.StdEncoding.EncodeToString(data)},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"?key="+g.apiKey, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	L_debug("models: sending to google", "encoding", encoding, "language", lang)
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		L_error("models: google request failed", "status", resp.StatusCode, "body", string(respBody))
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return "", fmt.Errorf("google API error (status %d): %s", resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("google API error: status %d", resp.StatusCode)
	}

	var result struct {
		Results []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"results"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}

	var transcripts []string
	for _, r := range result.Results {
		if len(r.Alternatives) > 0 {
			transcripts = append(transcripts, strings.TrimSpace(r.Alternatives[0].Transcript))
		}
	}
	transcript := strings.Join(transcripts, " ")
	L_debug("models: google transcription complete", "length", len(transcript))
	return transcript, nil
}
