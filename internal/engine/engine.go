// Package engine owns the single loaded native inference context. Every
// operation is a message to one goroutine, so callers queue instead of
// racing, and the native handle never leaves that goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roelfdiedericks/dictate/internal/bus"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// Params are the runtime parameters applied to each inference run.
type Params struct {
	Language string // "" or "auto" for detection
	Prompt   string // initial prompt / vocabulary hint
	Threads  uint   // 0 = library default
}

// Native is a loaded model. Implementations are only ever called from the
// manager's goroutine.
type Native interface {
	// Transcribe runs inference over 16 kHz mono samples. Implementations
	// should stop at the next chunk boundary once ctx is done.
	Transcribe(ctx context.Context, samples []float32, p Params) (string, error)
	IsMultilingual() bool
	Close() error
}

// Loader opens a model file into a Native context.
type Loader func(path string) (Native, error)

// Runtime parameter keys accepted by SetRuntimeParameter.
const (
	ParamLanguage = "language"
	ParamPrompt   = "prompt"
	ParamThreads  = "threads"
)

var (
	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("engine: manager closed")
	// ErrNotLoaded is returned by WithContext when nothing is loaded.
	ErrNotLoaded = errors.New("engine: no model loaded")
)

// Manager is the actor owning the loaded context.
type Manager struct {
	loader   Loader
	maxBytes int64
	bus      *bus.Bus
	metrics  *metrics.Manager

	mailbox chan func()
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	// Owned by the actor goroutine.
	native Native
	desc   types.ModelDescriptor
	params Params

	// Readable from anywhere; written only by the actor.
	current atomic.Pointer[types.ModelDescriptor]
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxModelBytes rejects model files larger than n with
// ErrInsufficientResources. Zero disables the check.
func WithMaxModelBytes(n int64) Option {
	return func(m *Manager) { m.maxBytes = n }
}

// WithBus publishes model.loaded and model.unloaded events.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics records load timings.
func WithMetrics(mm *metrics.Manager) Option {
	return func(m *Manager) { m.metrics = mm }
}

// WithParams sets the initial runtime parameters.
func WithParams(p Params) Option {
	return func(m *Manager) { m.params = p }
}

// New starts the actor.
func New(loader Loader, opts ...Option) *Manager {
	m := &Manager{
		loader:  loader,
		mailbox: make(chan func(), 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.mailbox:
			fn()
		case <-m.done:
			// Drain whatever was queued before Close.
			for {
				select {
				case fn := <-m.mailbox:
					fn()
				default:
					m.release("shutdown")
					return
				}
			}
		}
	}
}

// call runs fn on the actor goroutine and waits for it. A message whose
// caller has gone away by the time it reaches the front is skipped.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	if m.closed.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	msg := func() {
		if err := ctx.Err(); err != nil {
			reply <- err
			return
		}
		reply <- fn()
	}

	select {
	case m.mailbox <- msg:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-m.stopped:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// LoadContext makes desc the loaded model. Loading the descriptor that is
// already current is a no-op. Any previous context is released first;
// closures queued ahead of this call have already finished with it.
func (m *Manager) LoadContext(ctx context.Context, desc types.ModelDescriptor, path string) error {
	return m.call(ctx, func() error {
		if m.native != nil && m.desc.Identifier == desc.Identifier {
			L_debug("engine: model already loaded", "model", desc.Identifier)
			return nil
		}
		m.release("switch")

		stop := m.metrics.StartTimer("engine", "load")
		native, err := m.open(path)
		stop()
		if err != nil {
			m.metrics.RecordFailure("engine", "load", string(types.KindOf(err)))
			L_warn("engine: load failed", "model", desc.Identifier, "error", err)
			return err
		}
		m.metrics.RecordSuccess("engine", "load")

		m.native = native
		m.desc = desc
		m.desc.IsLoadedInMemory = true
		m.desc.IsMultilingual = native.IsMultilingual()
		snapshot := m.desc
		m.current.Store(&snapshot)

		L_info("engine: model loaded", "model", desc.Identifier, "multilingual", snapshot.IsMultilingual)
		if m.bus != nil {
			m.bus.PublishWithSource(bus.TopicModelLoaded, snapshot, "engine")
		}
		return nil
	})
}

// open validates and loads a model file. A failed load leaves nothing behind.
func (m *Manager) open(path string) (Native, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrModelCorrupt, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is empty or not a file", types.ErrModelCorrupt, path)
	}
	if m.maxBytes > 0 && info.Size() > m.maxBytes {
		return nil, fmt.Errorf("%w: model is %d bytes, limit is %d", types.ErrInsufficientResources, info.Size(), m.maxBytes)
	}
	if err := checkMagic(path); err != nil {
		return nil, err
	}

	native, err := m.loader(path)
	if err != nil {
		return nil, classifyLoadError(err)
	}
	if native == nil {
		return nil, fmt.Errorf("%w: loader returned no context", types.ErrModelCorrupt)
	}
	return native, nil
}

// Known ggml container magics, as they appear on disk.
var magics = [][]byte{
	[]byte("lmgg"), // ggml, little-endian uint32
	[]byte("ggml"),
	[]byte("GGUF"),
	[]byte("tjgg"), // ggjt
}

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrModelCorrupt, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := io.ReadFull(f, head); err != nil {
		return fmt.Errorf("%w: read header: %v", types.ErrModelCorrupt, err)
	}
	for _, magic := range magics {
		if string(head) == string(magic) {
			return nil
		}
	}
	return fmt.Errorf("%w: unrecognized header %q", types.ErrModelCorrupt, head)
}

func classifyLoadError(err error) error {
	if errors.Is(err, types.ErrModelCorrupt) || errors.Is(err, types.ErrInsufficientResources) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "alloc") || strings.Contains(msg, "out of memory") || strings.Contains(msg, "oom") {
		return fmt.Errorf("%w: %v", types.ErrInsufficientResources, err)
	}
	return fmt.Errorf("%w: %v", types.ErrModelCorrupt, err)
}

// WithContext runs fn against the loaded context on the actor goroutine.
// fn must not retain the Native after returning.
func (m *Manager) WithContext(ctx context.Context, fn func(n Native, p Params) error) error {
	return m.call(ctx, func() error {
		if m.native == nil {
			return ErrNotLoaded
		}
		return fn(m.native, m.params)
	})
}

// ReleaseContext unloads the current model, if any.
func (m *Manager) ReleaseContext(ctx context.Context) error {
	return m.call(ctx, func() error {
		m.release("requested")
		return nil
	})
}

// SetRuntimeParameter changes a parameter used by later runs.
func (m *Manager) SetRuntimeParameter(ctx context.Context, key, value string) error {
	return m.call(ctx, func() error {
		switch key {
		case ParamLanguage:
			m.params.Language = value
		case ParamPrompt:
			m.params.Prompt = value
		case ParamThreads:
			n, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return fmt.Errorf("engine: invalid threads %q: %w", value, err)
			}
			m.params.Threads = uint(n)
		default:
			return fmt.Errorf("engine: unknown runtime parameter %q", key)
		}
		L_debug("engine: runtime parameter set", "key", key, "value", value)
		return nil
	})
}

// Current returns the loaded descriptor without queueing behind inference.
func (m *Manager) Current() (types.ModelDescriptor, bool) {
	d := m.current.Load()
	if d == nil {
		return types.ModelDescriptor{}, false
	}
	return *d, true
}

// Close releases the context and stops the actor. Calls already queued
// still run.
func (m *Manager) Close() {
	if m.closed.CompareAndSwap(false, true) {
		close(m.done)
	}
}

func (m *Manager) release(reason string) {
	if m.native == nil {
		return
	}
	start := time.Now()
	prev := m.desc
	if err := m.native.Close(); err != nil {
		L_warn("engine: close failed", "model", prev.Identifier, "error", err)
	}
	m.native = nil
	m.desc = types.ModelDescriptor{}
	m.current.Store(nil)

	prev.IsLoadedInMemory = false
	L_info("engine: model released", "model", prev.Identifier, "reason", reason, "elapsed", time.Since(start))
	if m.bus != nil {
		m.bus.PublishWithSource(bus.TopicModelUnloaded, prev, "engine")
	}
}
