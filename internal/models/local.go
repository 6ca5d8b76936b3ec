package models

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/engine"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// LocalProvider serves whisper.cpp ggml models run in-process through the
// engine actor.
type LocalProvider struct {
	dir     string
	engine  *engine.Manager
	client  *http.Client
	catalog []types.ModelDescriptor
}

// NewLocalProvider stores models under dir and loads them into eng.
func NewLocalProvider(dir string, eng *engine.Manager, client *http.Client) *LocalProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &LocalProvider{
		dir:     dir,
		engine:  eng,
		client:  client,
		catalog: ggmlDescriptors(types.FamilyLocal, localModels),
	}
}

// WithCatalog replaces the built-in catalog.
func (p *LocalProvider) WithCatalog(descs []types.ModelDescriptor) *LocalProvider {
	p.catalog = descs
	return p
}

func (p *LocalProvider) Family() types.Family { return types.FamilyLocal }

func (p *LocalProvider) Exclusive() bool { return true }

func (p *LocalProvider) path(d types.ModelDescriptor) string {
	return filepath.Join(p.dir, d.Filename)
}

func (p *LocalProvider) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	out := make([]types.ModelDescriptor, len(p.catalog))
	for i, d := range p.catalog {
		d.IsLoadedInMemory = p.Loaded(d)
		out[i] = d
	}
	return out, nil
}

// Loaded reports whether d is the model held by the engine.
func (p *LocalProvider) Loaded(d types.ModelDescriptor) bool {
	cur, ok := p.engine.Current()
	return ok && cur.Identifier == d.Identifier
}

func (p *LocalProvider) IsDownloaded(d types.ModelDescriptor) bool {
	return fileDownloaded(p.dir, d.Filename)
}

func (p *LocalProvider) Download(ctx context.Context, d types.ModelDescriptor, report ReportFunc) error {
	if !d.Downloadable() {
		return fmt.Errorf("%w: %s has no download source", types.ErrDownloadFailed, d.Identifier)
	}
	L_info("models: downloading local model", "model", d.Identifier, "url", d.URL)
	return downloadFile(ctx, p.client, d.URL, p.path(d), d.SizeBytes, report)
}

func (p *LocalProvider) Delete(d types.ModelDescriptor) error {
	if p.Loaded(d) {
		if err := p.engine.ReleaseContext(context.Background()); err != nil {
			return err
		}
	}
	if err := os.Remove(p.path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", d.Filename, err)
	}
	return nil
}

func (p *LocalProvider) Load(ctx context.Context, d types.ModelDescriptor) error {
	if !p.IsDownloaded(d) {
		return fmt.Errorf("%w: %s", types.ErrModelNotDownloaded, d.Identifier)
	}
	return p.engine.LoadContext(ctx, d, p.path(d))
}

func (p *LocalProvider) Unload(ctx context.Context) error {
	return p.engine.ReleaseContext(ctx)
}

// Transcribe runs the job inside the engine actor. The job's model must
// already be loaded; loading happens only through the model manager.
func (p *LocalProvider) Transcribe(ctx context.Context, job Job) (string, error) {
	if !p.Loaded(job.Model) {
		return "", fmt.Errorf("%w: %s is not loaded", types.ErrModelNotLoaded, job.Model.Identifier)
	}

	samples, err := audio.LoadSamples(ctx, job.Audio)
	if err != nil {
		return "", err
	}
	L_debug("models: local transcription", "model", job.Model.Identifier, "samples", len(samples))

	var text string
	err = p.engine.WithContext(ctx, func(n engine.Native, params engine.Params) error {
		if job.Language != "" {
			params.Language = job.Language
		}
		if job.Prompt != "" {
			params.Prompt = job.Prompt
		}
		var err error
		text, err = n.Transcribe(ctx, samples, params)
		return err
	})
	return text, err
}
