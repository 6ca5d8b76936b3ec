// Package app builds the dictation stack from a config and owns its
// lifetime. Components are constructed explicitly and handed to each other;
// nothing is registered globally.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/bus"
	"github.com/roelfdiedericks/dictate/internal/capture"
	"github.com/roelfdiedericks/dictate/internal/config"
	"github.com/roelfdiedericks/dictate/internal/engine"
	"github.com/roelfdiedericks/dictate/internal/engine/whispercpp"
	"github.com/roelfdiedericks/dictate/internal/enhance"
	"github.com/roelfdiedericks/dictate/internal/inference"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/models"
	"github.com/roelfdiedericks/dictate/internal/pipeline"
	"github.com/roelfdiedericks/dictate/internal/session"
	"github.com/roelfdiedericks/dictate/internal/store"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// scratchMaxAge is how old a leftover scratch file must be before startup
// removes it.
const scratchMaxAge = 24 * time.Hour

// Options tune New.
type Options struct {
	// Overrides applied on top of every config snapshot. Zero values leave
	// the file's setting alone.
	Model    string
	Language string
	Enhance  bool

	// Source is the capture source; nil uses a FileSource.
	Source capture.Source

	// Watch reloads the config when its file changes.
	Watch bool

	// NoHistory skips the SQLite result store.
	NoHistory bool

	// Preload loads the selected model before New returns, so sessions
	// can start right away.
	Preload bool

	// Loader opens local models; nil uses whisper.cpp.
	Loader engine.Loader
}

// App is the assembled stack.
type App struct {
	Config      *config.Store
	Bus         *bus.Bus
	Metrics     *metrics.Manager
	Buffers     *audio.BufferManager
	Engine      *engine.Manager
	Registry    *models.Registry
	Models      *models.Manager
	Coordinator *inference.Coordinator
	Processor   *pipeline.Processor
	History     *store.Store // nil with NoHistory
	Files       *capture.FileSource
	Sessions    *session.Manager

	overlay *overlay
	watcher *config.Watcher
}

// New builds every component from cfg. Close releases them.
func New(ctx context.Context, cfgStore *config.Store, opts Options) (*App, error) {
	a := &App{
		Config:  cfgStore,
		Bus:     bus.New(),
		Metrics: metrics.NewManager(),
		overlay: &overlay{
			store:    cfgStore,
			model:    opts.Model,
			language: opts.Language,
			enhance:  opts.Enhance,
		},
	}
	cfg := a.overlay.Snapshot()
	httpClient := &http.Client{}

	buffers, err := audio.NewBufferManager(cfg.ScratchDir)
	if err != nil {
		return nil, err
	}
	a.Buffers = buffers
	if n := buffers.Sweep(scratchMaxAge); n > 0 {
		L_info("app: removed stale scratch files", "count", n)
	}

	loader := opts.Loader
	if loader == nil {
		loader = whispercpp.Load
	}
	a.Engine = engine.New(loader,
		engine.WithMaxModelBytes(cfg.Whisper.MaxModelBytes),
		engine.WithParams(engine.Params{Language: cfg.Language, Prompt: cfg.Prompt, Threads: cfg.Whisper.Threads}),
		engine.WithBus(a.Bus),
		engine.WithMetrics(a.Metrics),
	)

	a.Registry = models.NewRegistry()
	a.Registry.Register(models.NewLocalProvider(familyDir(cfg, types.FamilyLocal), a.Engine, httpClient))
	a.Registry.Register(models.NewOnDeviceProvider(familyDir(cfg, types.FamilyAlternativeOnDevice), cfg.OnDevice.Command, httpClient))
	a.Registry.Register(models.NewRemoteProvider(cfg.Remote, httpClient))
	a.Registry.Register(models.NewPlatformProvider(cfg.Platform.Command, cfg.Platform.Args))

	a.Models = models.NewManager(a.Registry,
		models.WithManagerBus(a.Bus),
		models.WithManagerMetrics(a.Metrics),
	)
	if err := a.Models.Refresh(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Models.Select(cfg.Models.Selected); err != nil {
		L_warn("app: configured model not in catalog", "model", cfg.Models.Selected, "error", err)
	}

	a.Coordinator = inference.New(a.Registry,
		inference.WithRemoteConcurrency(cfg.Inference.RemoteConcurrency),
		inference.WithTimeout(cfg.Inference.Timeout()),
		inference.WithMetrics(a.Metrics),
	)

	enhancer, err := enhance.New(cfg.Enhancement, httpClient)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("enhancement: %w", err)
	}
	a.Processor = pipeline.New(audio.NewPreprocessor(buffers), a.Coordinator,
		pipeline.WithEnhancer(enhancer, cfg.Enhancement.Timeout()),
		pipeline.WithMetrics(a.Metrics),
	)

	sessionOpts := []session.Option{
		session.WithBus(a.Bus),
		session.WithMetrics(a.Metrics),
	}
	if !opts.NoHistory {
		history, err := store.Open(cfg.History.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.History = history
		sessionOpts = append(sessionOpts, session.WithSink(history))
	}

	a.Files = capture.NewFileSource(buffers)
	source := opts.Source
	if source == nil {
		source = a.Files
	}
	a.Sessions = session.NewManager(source, a.overlay, a.Models, a.Processor, sessionOpts...)
	a.Models.SetBusyGate(a.Sessions)

	if opts.Preload {
		if err := a.Models.LoadCurrent(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}

	if opts.Watch && cfgStore.Path() != "" {
		w, err := config.NewWatcher(cfgStore, 0, func() { a.reloaded(context.Background()) })
		if err != nil {
			L_warn("app: config watcher unavailable", "error", err)
		} else {
			a.watcher = w
			w.Start()
		}
	}

	L_debug("app: ready", "model", cfg.Models.Selected, "enhancement", enhancer != nil)
	return a, nil
}

// reloaded brings the running components in line with a changed config
// file. A model switch refused because a session is active is logged and
// retried on the next change.
func (a *App) reloaded(ctx context.Context) {
	cfg := a.overlay.Snapshot()
	if err := a.Models.Refresh(ctx); err != nil {
		L_warn("app: catalog refresh after reload failed", "error", err)
	}

	params := []struct{ key, value string }{
		{engine.ParamLanguage, cfg.Language},
		{engine.ParamPrompt, cfg.Prompt},
		{engine.ParamThreads, strconv.FormatUint(uint64(cfg.Whisper.Threads), 10)},
	}
	for _, p := range params {
		if err := a.Engine.SetRuntimeParameter(ctx, p.key, p.value); err != nil {
			L_warn("app: runtime parameter rejected", "key", p.key, "error", err)
		}
	}

	if cur, err := a.Models.Current(); err == nil && cur.Identifier == cfg.Models.Selected {
		return
	}
	if err := a.Models.SwitchLocal(ctx, cfg.Models.Selected); err != nil {
		L_warn("app: model switch after reload failed", "model", cfg.Models.Selected, "error", err)
	}
}

func familyDir(cfg *config.Config, f types.Family) string {
	return filepath.Join(cfg.Models.Dir, string(f))
}

// Snapshot returns the effective config, overrides included.
func (a *App) Snapshot() *config.Config {
	return a.overlay.Snapshot()
}

// Close stops every component in reverse dependency order. Safe on a
// partially built App.
func (a *App) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.Coordinator != nil {
		a.Coordinator.Close()
	}
	if a.Engine != nil {
		a.Engine.Close()
	}
	if a.History != nil {
		if err := a.History.Close(); err != nil {
			L_warn("app: closing history failed", "error", err)
		}
	}
	if a.Buffers != nil {
		if n := a.Buffers.Outstanding(); n > 0 {
			L_warn("app: releasing leaked artifacts", "count", n)
		}
		a.Buffers.ReleaseAll()
	}
}

// overlay applies command-line overrides to every snapshot without
// writing them back to the file.
type overlay struct {
	store    *config.Store
	model    string
	language string
	enhance  bool
}

func (o *overlay) Snapshot() *config.Config {
	cfg := o.store.Snapshot()
	if o.model != "" {
		cfg.Models.Selected = o.model
	}
	if o.language != "" {
		cfg.Language = o.language
	}
	if o.enhance {
		cfg.Enhancement.Enabled = true
	}
	return cfg
}
