// Package whispercpp binds whisper.cpp to the engine's Native interface.
// It is the only package that needs cgo and the whisper.cpp library.
package whispercpp

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/roelfdiedericks/dictate/internal/engine"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// Model is a loaded whisper.cpp model.
type Model struct {
	model whisper.Model
	path  string
}

// Load opens a ggml model file. It satisfies engine.Loader.
func Load(path string) (engine.Native, error) {
	start := time.Now()
	model, err := whisper.New(path)
	if err != nil {
		return nil, fmt.Errorf("load whisper model: %w", err)
	}
	L_elapsed(start, "whispercpp: model loaded", "path", path, "multilingual", model.IsMultilingual())
	return &Model{model: model, path: path}, nil
}

// IsMultilingual reports whether the model handles languages other than English.
func (m *Model) IsMultilingual() bool {
	return m.model.IsMultilingual()
}

// Transcribe runs one pass over the samples. Cancellation is honoured at the
// next encoder boundary.
func (m *Model) Transcribe(ctx context.Context, samples []float32, p engine.Params) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("create whisper context: %w", err)
	}

	lang := p.Language
	if lang == "" {
		lang = "auto"
	}
	if lang != "auto" || m.model.IsMultilingual() {
		if err := wctx.SetLanguage(lang); err != nil {
			L_warn("whispercpp: failed to set language", "language", lang, "error", err)
		}
	}
	if p.Threads > 0 {
		wctx.SetThreads(p.Threads)
	}
	if p.Prompt != "" {
		wctx.SetInitialPrompt(p.Prompt)
	}

	L_debug("whispercpp: processing", "samples", len(samples), "language", lang)
	encoderBegin := func() bool {
		return ctx.Err() == nil
	}
	if err := wctx.Process(samples, encoderBegin, nil, nil); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("whisper process: %w", err)
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	var text strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("get segment: %w", err)
		}
		text.WriteString(segment.Text)
	}
	return strings.TrimSpace(text.String()), nil
}

// Close frees the model.
func (m *Model) Close() error {
	L_debug("whispercpp: closing model", "path", m.path)
	return m.model.Close()
}
