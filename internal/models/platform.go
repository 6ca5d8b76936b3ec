package models

import (
	"context"
	"fmt"
	"os/exec"
	"slices"

	"github.com/roelfdiedericks/dictate/internal/types"
)

// PlatformIdentifier is the single descriptor served by PlatformProvider.
const PlatformIdentifier = "platform-native"

// PlatformProvider delegates to a recognizer shipped with the operating
// system, wrapped as a command that prints the transcript to stdout.
type PlatformProvider struct {
	command string
	args    []string
}

// NewPlatformProvider runs command with args followed by the audio path.
// An empty command disables the family.
func NewPlatformProvider(command string, args []string) *PlatformProvider {
	return &PlatformProvider{command: command, args: slices.Clone(args)}
}

func (p *PlatformProvider) Family() types.Family { return types.FamilyPlatformNative }

func (p *PlatformProvider) Exclusive() bool { return false }

func (p *PlatformProvider) available() bool {
	if p.command == "" {
		return false
	}
	_, err := exec.LookPath(p.command)
	return err == nil
}

func (p *PlatformProvider) ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error) {
	if p.command == "" {
		return nil, nil
	}
	return []types.ModelDescriptor{{
		Identifier:     PlatformIdentifier,
		DisplayName:    "System recognizer (" + p.command + ")",
		Family:         types.FamilyPlatformNative,
		IsMultilingual: true,
	}}, nil
}

// IsDownloaded is true whenever the command resolves; there is nothing to fetch.
func (p *PlatformProvider) IsDownloaded(d types.ModelDescriptor) bool {
	return p.available()
}

func (p *PlatformProvider) Download(ctx context.Context, d types.ModelDescriptor, report ReportFunc) error {
	return nil
}

func (p *PlatformProvider) Delete(d types.ModelDescriptor) error { return nil }

func (p *PlatformProvider) Load(ctx context.Context, d types.ModelDescriptor) error {
	if !p.available() {
		return fmt.Errorf("%w: platform recognizer %q not available", types.ErrNoProvider, p.command)
	}
	return nil
}

func (p *PlatformProvider) Unload(ctx context.Context) error { return nil }

func (p *PlatformProvider) Transcribe(ctx context.Context, job Job) (string, error) {
	if err := p.Load(ctx, job.Model); err != nil {
		return "", err
	}
	input, cleanup, err := artifactFile(job.Audio, ".wav")
	if err != nil {
		return "", err
	}
	defer cleanup()

	args := append(slices.Clone(p.args), input)
	return runRecognizer(ctx, p.command, args)
}
