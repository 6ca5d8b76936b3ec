package models

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/bus"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// BusyGate is entered around operations that need the native context to
// themselves. The session manager implements it.
type BusyGate interface {
	EnterBusy() error
	ExitBusy()
}

// Manager owns the descriptor catalog, the current selection and the
// in-flight downloads.
type Manager struct {
	registry *Registry
	bus      *bus.Bus
	metrics  *metrics.Manager
	gate     BusyGate

	// mu guards the catalog: shared for lookups, exclusive while a
	// download commits or a model is deleted.
	mu      sync.RWMutex
	catalog map[string]types.ModelDescriptor
	order   []string
	current string

	dlMu      sync.Mutex
	downloads map[string]*Progress
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerBus publishes download progress.
func WithManagerBus(b *bus.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithManagerMetrics records download outcomes.
func WithManagerMetrics(mm *metrics.Manager) ManagerOption {
	return func(m *Manager) { m.metrics = mm }
}

// NewManager creates a manager over the registry's providers. Call Refresh
// before the first lookup.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:  registry,
		catalog:   make(map[string]types.ModelDescriptor),
		downloads: make(map[string]*Progress),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetBusyGate installs the gate used by SwitchLocal and Delete.
func (m *Manager) SetBusyGate(g BusyGate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = g
}

// Refresh rebuilds the catalog from every registered provider.
func (m *Manager) Refresh(ctx context.Context) error {
	catalog := make(map[string]types.ModelDescriptor)
	var order []string
	for _, p := range m.registry.Providers() {
		descs, err := p.ListAvailable(ctx)
		if err != nil {
			L_warn("models: provider listing failed", "family", p.Family(), "error", err)
			continue
		}
		for _, d := range descs {
			if _, dup := catalog[d.Identifier]; dup {
				L_warn("models: duplicate identifier ignored", "model", d.Identifier, "family", d.Family)
				continue
			}
			catalog[d.Identifier] = d
			order = append(order, d.Identifier)
		}
	}

	m.mu.Lock()
	m.catalog = catalog
	m.order = order
	m.mu.Unlock()
	L_debug("models: catalog refreshed", "count", len(order))
	return nil
}

// loadReporter is implemented by providers that hold a model in memory.
type loadReporter interface {
	Loaded(d types.ModelDescriptor) bool
}

// withFlags fills in IsDownloaded and IsLoadedInMemory from the owning
// provider.
func (m *Manager) withFlags(d types.ModelDescriptor) types.ModelDescriptor {
	p, err := m.registry.For(d)
	if err != nil {
		return d
	}
	d.IsDownloaded = p.IsDownloaded(d)
	if lr, ok := p.(loadReporter); ok {
		d.IsLoadedInMemory = lr.Loaded(d)
	}
	return d
}

// Lookup returns the descriptor with id.
func (m *Manager) Lookup(id string) (types.ModelDescriptor, error) {
	m.mu.RLock()
	d, ok := m.catalog[id]
	m.mu.RUnlock()
	if !ok {
		return types.ModelDescriptor{}, fmt.Errorf("%w: %s", types.ErrUnknownModel, id)
	}
	return m.withFlags(d), nil
}

// Descriptors refreshes and returns the whole catalog in display order.
func (m *Manager) Descriptors(ctx context.Context) ([]types.ModelDescriptor, error) {
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]types.ModelDescriptor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.catalog[id])
	}
	m.mu.RUnlock()

	for i := range out {
		out[i] = m.withFlags(out[i])
	}
	return out, nil
}

// Select makes id the current descriptor without loading it. Use it for
// the initial selection; later changes go through SwitchLocal.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrUnknownModel, id)
	}
	m.current = id
	L_info("models: selected", "model", id)
	return nil
}

// Current returns the selected descriptor. It is the only record of which
// model sessions use.
func (m *Manager) Current() (types.ModelDescriptor, error) {
	m.mu.RLock()
	id := m.current
	m.mu.RUnlock()
	if id == "" {
		return types.ModelDescriptor{}, fmt.Errorf("%w: no model selected", types.ErrUnknownModel)
	}
	return m.Lookup(id)
}

// Downloading reports whether id has a transfer in flight.
func (m *Manager) Downloading(id string) bool {
	m.dlMu.Lock()
	defer m.dlMu.Unlock()
	_, ok := m.downloads[id]
	return ok
}

// Download starts fetching id, or joins the transfer already running for
// it. The transfer outlives the caller; stop it with CancelDownload.
func (m *Manager) Download(id string) (*Progress, error) {
	d, err := m.Lookup(id)
	if err != nil {
		return nil, err
	}
	p, err := m.registry.For(d)
	if err != nil {
		return nil, err
	}

	m.dlMu.Lock()
	defer m.dlMu.Unlock()

	if prog, ok := m.downloads[id]; ok {
		L_debug("models: joining in-flight download", "model", id)
		return prog, nil
	}

	if p.IsDownloaded(d) || !d.Downloadable() {
		prog := newProgress(id, nil, func() {})
		prog.finish(nil)
		return prog, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	prog := newProgress(id, m.bus, cancel)
	m.downloads[id] = prog

	go m.runDownload(ctx, p, d, prog)
	return prog, nil
}

func (m *Manager) runDownload(ctx context.Context, p Provider, d types.ModelDescriptor, prog *Progress) {
	stop := m.metrics.StartTimer("models", "download")
	err := p.Download(ctx, d, prog.update)
	stop()

	// Commit under the catalog write lock so readers never see a half
	// finished state.
	m.mu.Lock()
	m.dlMu.Lock()
	delete(m.downloads, d.Identifier)
	m.dlMu.Unlock()
	m.mu.Unlock()

	switch {
	case err == nil:
		m.metrics.RecordSuccess("models", "download")
		L_info("models: download complete", "model", d.Identifier)
	case errors.Is(err, context.Canceled):
		m.metrics.RecordFailure("models", "download", "cancelled")
		L_info("models: download cancelled", "model", d.Identifier)
	default:
		m.metrics.RecordFailure("models", "download", string(types.KindOf(err)))
		L_warn("models: download failed", "model", d.Identifier, "error", err)
		if !errors.Is(err, types.ErrDownloadFailed) {
			err = fmt.Errorf("%w: %v", types.ErrDownloadFailed, err)
		}
	}
	prog.finish(err)
}

// CancelDownload stops an in-flight download. Returns false when none runs.
func (m *Manager) CancelDownload(id string) bool {
	m.dlMu.Lock()
	prog, ok := m.downloads[id]
	m.dlMu.Unlock()
	if !ok {
		return false
	}
	prog.cancel()
	return true
}

// Delete removes a downloaded model. Deleting the loaded model goes
// through the busy gate.
func (m *Manager) Delete(ctx context.Context, id string) error {
	d, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if m.Downloading(id) {
		return fmt.Errorf("%w: %s is downloading", types.ErrResourceBusy, id)
	}
	p, err := m.registry.For(d)
	if err != nil {
		return err
	}

	if d.IsLoadedInMemory {
		if err := m.enterBusy(); err != nil {
			return err
		}
		defer m.exitBusy()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := p.Delete(d); err != nil {
		return err
	}
	L_info("models: deleted", "model", id)
	return nil
}

// LoadCurrent loads the selected model through its provider, holding the
// busy gate for the duration. A model already in memory is left alone.
func (m *Manager) LoadCurrent(ctx context.Context) error {
	d, err := m.Current()
	if err != nil {
		return err
	}
	if d.IsLoadedInMemory {
		return nil
	}
	return m.load(ctx, d)
}

// SwitchLocal loads id and makes it current while the session manager is
// held in its busy state. Fails with ErrResourceBusy while a session is
// active; the previous selection stays current on any failure.
func (m *Manager) SwitchLocal(ctx context.Context, id string) error {
	d, err := m.Lookup(id)
	if err != nil {
		return err
	}
	if err := m.load(ctx, d); err != nil {
		return err
	}
	if err := m.Select(id); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.PublishWithSource(bus.TopicModelSelected, d, "models")
	}
	return nil
}

func (m *Manager) load(ctx context.Context, d types.ModelDescriptor) error {
	p, err := m.registry.For(d)
	if err != nil {
		return err
	}
	if err := m.enterBusy(); err != nil {
		return err
	}
	defer m.exitBusy()
	return p.Load(ctx, d)
}

func (m *Manager) enterBusy() error {
	m.mu.RLock()
	g := m.gate
	m.mu.RUnlock()
	if g == nil {
		return nil
	}
	return g.EnterBusy()
}

func (m *Manager) exitBusy() {
	m.mu.RLock()
	g := m.gate
	m.mu.RUnlock()
	if g != nil {
		g.ExitBusy()
	}
}
