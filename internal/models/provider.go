// Package models discovers, downloads and loads transcription models. Each
// model family is served by one Provider registered in a Registry, so
// dispatch is a map lookup on the descriptor's family.
package models

import (
	"context"
	"fmt"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// Job is one transcription call handed to a provider.
type Job struct {
	Audio    *audio.Artifact
	Model    types.ModelDescriptor
	Language string
	Prompt   string
}

// ReportFunc receives byte counts during a download. total may be an
// estimate.
type ReportFunc func(done, total int64)

// Provider serves one model family.
type Provider interface {
	Family() types.Family

	// ListAvailable returns the family's catalog. IsLoadedInMemory is filled
	// in by the provider; IsDownloaded by the manager.
	ListAvailable(ctx context.Context) ([]types.ModelDescriptor, error)
	IsDownloaded(d types.ModelDescriptor) bool

	// Download fetches d's artifact. It must leave nothing at the final path
	// unless it returns nil.
	Download(ctx context.Context, d types.ModelDescriptor, report ReportFunc) error
	Delete(d types.ModelDescriptor) error

	Load(ctx context.Context, d types.ModelDescriptor) error
	Unload(ctx context.Context) error

	Transcribe(ctx context.Context, job Job) (string, error)

	// Exclusive reports whether requests contend for a single local
	// resource and must run one at a time.
	Exclusive() bool
}

// Registry maps a family to its provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[types.Family]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[types.Family]Provider)}
}

// Register adds or replaces the provider for its family.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Family()] = p
}

// For returns the provider serving d's family.
func (r *Registry) For(d types.ModelDescriptor) (Provider, error) {
	return r.Family(d.Family)
}

// Family returns the provider for f.
func (r *Registry) Family(f types.Family) (Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[f]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoProvider, f)
	}
	return p, nil
}

// Providers returns registered providers in family display order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, f := range types.Families {
		if p, ok := r.providers[f]; ok {
			out = append(out, p)
		}
	}
	return out
}
