package models

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/dictate/internal/audio"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// OnDeviceProvider runs quantized models through an external whisper.cpp
// compatible CLI (whisper-cli by default), one process per request.
type OnDeviceProvider struct {
	dir     string
	command string
	client  *http.Client
	catalog []types.ModelDescriptor
}

// NewOnDeviceProvider stores models under dir and runs them with command.
func NewOnDeviceProvider(dir, command string, client *http.Client) *OnDeviceProvider {
	if command == "" {
		command = "whisper-cli"
	}
	if client == nil {
		client = &http.Client{}
	}
	return &OnDeviceProvider{
		dir:     dir,
		command: command,
		client:  client,
		catalog: ggmlDescriptors(types.FamilyAlternativeOnDevice, onDeviceModels),
	}
}

func (p *OnDeviceProvider) Family() types.Family { return types.FamilyAlternativeOnDevice }

// Exclusive is true: the engine process competes with the local context
// for the same CPU and memory.
func (p *OnDeviceProvider) Exclusive() bool { return true }

func (p *OnDeviceProvider) path(d types.ModelDescriptor) string {
	return filepath.Join(p.dir, d.Filename)
}

func (p *OnDeviceProvider) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	out := make([]types.ModelDescriptor, len(p.catalog))
	copy(out, p.catalog)
	return out, nil
}

func (p *OnDeviceProvider) IsDownloaded(d types.ModelDescriptor) bool {
	return fileDownloaded(p.dir, d.Filename)
}

func (p *OnDeviceProvider) Download(ctx context.Context, d types.ModelDescriptor, report ReportFunc) error {
	if !d.Downloadable() {
		return fmt.Errorf("%w: %s has no download source", types.ErrDownloadFailed, d.Identifier)
	}
	return downloadFile(ctx, p.client, d.URL, p.path(d), d.SizeBytes, report)
}

func (p *OnDeviceProvider) Delete(d types.ModelDescriptor) error {
	if err := os.Remove(p.path(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", d.Filename, err)
	}
	return nil
}

// Load checks the engine binary and model file; nothing stays resident.
func (p *OnDeviceProvider) Load(ctx context.Context, d types.ModelDescriptor) error {
	if _, err := exec.LookPath(p.command); err != nil {
		return fmt.Errorf("%w: %s not found on PATH", types.ErrNoProvider, p.command)
	}
	if !p.IsDownloaded(d) {
		return fmt.Errorf("%w: %s", types.ErrModelNotDownloaded, d.Identifier)
	}
	return nil
}

func (p *OnDeviceProvider) Unload(ctx context.Context) error { return nil }

func (p *OnDeviceProvider) Transcribe(ctx context.Context, job Job) (string, error) {
	if err := p.Load(ctx, job.Model); err != nil {
		return "", err
	}
	input, cleanup, err := artifactFile(job.Audio, ".wav")
	if err != nil {
		return "", err
	}
	defer cleanup()

	args := []string{"-m", p.path(job.Model), "-f", input, "-nt", "-np"}
	if job.Language != "" {
		args = append(args, "-l", job.Language)
	}
	if job.Prompt != "" {
		args = append(args, "--prompt", job.Prompt)
	}
	return runRecognizer(ctx, p.command, args)
}

// runRecognizer executes a recognizer command and returns its trimmed stdout.
func runRecognizer(ctx context.Context, command string, args []string) (string, error) {
	// #nosec G204 - command comes from the user's own config
	cmd := exec.CommandContext(ctx, command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	L_debug("models: running recognizer", "command", command, "args", args)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", filepath.Base(command), msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// artifactFile returns a filesystem path for the artifact. In-memory audio
// is spilled to a scratch file that cleanup releases.
func artifactFile(a *audio.Artifact, suffix string) (string, func(), error) {
	f, spilled, err := a.Spill(suffix)
	if err != nil {
		return "", nil, err
	}
	if !spilled {
		return f.Path(), func() {}, nil
	}
	return f.Path(), f.Release, nil
}
