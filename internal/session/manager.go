// Package session drives recordings through their lifecycle. Every state
// change runs on one goroutine, so there is never more than one active
// session and transitions are strictly ordered.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/bus"
	"github.com/roelfdiedericks/dictate/internal/capture"
	"github.com/roelfdiedericks/dictate/internal/config"
	"github.com/roelfdiedericks/dictate/internal/inference"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/pipeline"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("session: manager closed")

// persistTimeout bounds a single result sink call.
const persistTimeout = 10 * time.Second

// ConfigProvider supplies a read-only snapshot. *config.Store implements it.
type ConfigProvider interface {
	Snapshot() *config.Config
}

// ResultSink receives every completed or failed session's result, once.
type ResultSink interface {
	Persist(ctx context.Context, r *types.TranscriptionResult) error
}

// Processor runs the transcription pipeline. *pipeline.Processor
// implements it.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*types.TranscriptionResult, error)
}

// ModelCatalog owns the selected model. *models.Manager implements it.
type ModelCatalog interface {
	Current() (types.ModelDescriptor, error)
	Downloading(id string) bool
}

// activeSession is the one non-terminal session. Its fields are only
// touched on the loop goroutine, except artifact which the pipeline
// goroutine owns after stop.
type activeSession struct {
	id              string
	startedAt       time.Time
	cfg             *config.Config
	model           types.ModelDescriptor
	rec             capture.Recording
	artifact        *audio.Artifact
	token           *inference.CancelToken
	pending         *Pending
	cancelRequested bool
	ended           chan struct{}
}

// Manager is the session state machine.
type Manager struct {
	source    capture.Source
	config    ConfigProvider
	catalog   ModelCatalog
	processor Processor
	sink      ResultSink
	bus       *bus.Bus
	metrics   *metrics.Manager

	ops       chan func()
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Loop-owned.
	state     State
	busyDepth int
	active    *activeSession

	view atomic.Value // State, for lock-free reads
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink sets the result sink.
func WithSink(s ResultSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithBus publishes state changes on b instead of a private bus.
func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithMetrics records session counters and timings.
func WithMetrics(mm *metrics.Manager) Option {
	return func(m *Manager) { m.metrics = mm }
}

// NewManager starts the manager loop.
func NewManager(source capture.Source, cfg ConfigProvider, catalog ModelCatalog, processor Processor, opts ...Option) *Manager {
	m := &Manager{
		source:    source,
		config:    cfg,
		catalog:   catalog,
		processor: processor,
		ops:       make(chan func()),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.bus == nil {
		m.bus = bus.New()
	}
	m.view.Store(StateIdle)
	go m.run()
	return m
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.stop:
			return
		}
	}
}

// do runs fn on the loop and waits for it.
func (m *Manager) do(fn func()) error {
	done := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(done) }:
	case <-m.stopped:
		return ErrClosed
	}
	<-done
	return nil
}

// State returns the current state without waiting on the loop.
func (m *Manager) State() State {
	return m.view.Load().(State)
}

// Subscribe calls fn for every state change, in order. The returned
// function unsubscribes.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	id := m.bus.Subscribe(bus.TopicSessionState, func(e bus.Event) {
		if sc, ok := e.Data.(StateChange); ok {
			fn(sc)
		}
	})
	return func() { m.bus.Unsubscribe(id) }
}

// transition moves the machine and publishes the change. Loop only.
func (m *Manager) transition(id string, to State, status types.Status, failure *types.Failure) {
	from := m.state
	if !isValidTransition(from, to) {
		L_error("session: invalid transition", "from", from, "to", to, "session", id)
		return
	}
	m.state = to
	m.view.Store(to)
	L_debug("session: transition", "session", id, "from", from, "to", to, "status", status)
	m.bus.PublishWithSource(bus.TopicSessionState, StateChange{
		SessionID: id,
		From:      from,
		To:        to,
		Status:    status,
		Failure:   failure,
		At:        time.Now(),
	}, "session")
}

// StartSession begins recording with the catalog's current model and the
// current config snapshot. Fails with ErrAlreadyActive when a session is
// running, ErrResourceBusy while a model operation holds the manager or the
// selected model is downloading, ErrModelNotLoaded when a local model has
// not been loaded, and ErrPermissionDenied or ErrCaptureFailed from the
// capture source.
func (m *Manager) StartSession(ctx context.Context) (*Handle, error) {
	var h *Handle
	var err error
	if e := m.do(func() { h, err = m.start(ctx) }); e != nil {
		return nil, e
	}
	return h, err
}

func (m *Manager) start(ctx context.Context) (*Handle, error) {
	switch m.state {
	case StateIdle:
	case StateBusy:
		return nil, fmt.Errorf("%w: model operation in progress", types.ErrResourceBusy)
	default:
		return nil, fmt.Errorf("%w: state %s", types.ErrAlreadyActive, m.state)
	}

	cfg := m.config.Snapshot()
	model, err := m.catalog.Current()
	if err != nil {
		return nil, err
	}
	if m.catalog.Downloading(model.Identifier) {
		return nil, fmt.Errorf("%w: %s is downloading", types.ErrResourceBusy, model.Identifier)
	}
	if !model.IsDownloaded {
		return nil, fmt.Errorf("%w: %s", types.ErrModelNotDownloaded, model.Identifier)
	}
	if model.Family == types.FamilyLocal && !model.IsLoadedInMemory {
		return nil, fmt.Errorf("%w: %s", types.ErrModelNotLoaded, model.Identifier)
	}

	rec, err := m.source.Start(ctx)
	if err != nil {
		if types.KindOf(err) == types.KindUnknown {
			err = fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
		}
		m.metrics.RecordFailure("session", "start", string(types.KindOf(err)))
		L_warn("session: capture start failed", "error", err)
		return nil, err
	}

	s := &activeSession{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		cfg:       cfg,
		model:     model,
		rec:       rec,
		token:     inference.NewCancelToken(context.Background()),
		ended:     make(chan struct{}),
	}
	m.active = s
	m.transition(s.id, StateRecording, "", nil)
	m.metrics.IncrementCounter("session", "started")
	L_info("session: recording started", "session", s.id, "model", model.Identifier)

	m.wg.Add(1)
	go m.watchCapture(s)
	return &Handle{ID: s.id, StartedAt: s.startedAt, Model: model}, nil
}

// watchCapture turns a device failure into a failed session.
func (m *Manager) watchCapture(s *activeSession) {
	defer m.wg.Done()
	select {
	case err, ok := <-s.rec.Failed():
		if !ok || err == nil {
			return
		}
		var res *types.TranscriptionResult
		m.do(func() { res = m.captureFailed(s, err) })
		if res != nil {
			m.persist(res)
		}
	case <-s.ended:
	}
}

func (m *Manager) captureFailed(s *activeSession, err error) *types.TranscriptionResult {
	if m.active != s || m.state != StateRecording {
		return nil
	}
	if !errors.Is(err, types.ErrCaptureFailed) {
		err = fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
	}
	s.rec.Abort()
	L_warn("session: capture failed while recording", "session", s.id, "error", err)
	m.end(s, types.StatusFailed, types.NewFailure(err))
	return m.failedResult(s, err)
}

// StopSession seals the recording and starts transcription. It returns as
// soon as the artifact is sealed; the outcome arrives on the Pending.
func (m *Manager) StopSession(ctx context.Context) (*Pending, error) {
	var p *Pending
	var res *types.TranscriptionResult
	var err error
	if e := m.do(func() { p, res, err = m.stopRecording() }); e != nil {
		return nil, e
	}
	if res != nil {
		m.persist(res)
	}
	return p, err
}

func (m *Manager) stopRecording() (*Pending, *types.TranscriptionResult, error) {
	s := m.active
	if s == nil || m.state != StateRecording {
		return nil, nil, types.ErrNotRecording
	}

	art, err := s.rec.Seal()
	if err != nil {
		s.rec.Abort()
		if !errors.Is(err, types.ErrCaptureFailed) {
			err = fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
		}
		m.end(s, types.StatusFailed, types.NewFailure(err))
		return nil, m.failedResult(s, err), err
	}

	s.artifact = art
	s.pending = newPending(s.id)
	m.metrics.RecordDuration("session", "recording", time.Since(s.startedAt))
	m.transition(s.id, StateTranscribing, "", nil)

	m.wg.Add(1)
	go m.transcribe(s)
	return s.pending, nil, nil
}

// transcribe runs the pipeline for s, then settles the session. The
// artifact is released here on every path.
func (m *Manager) transcribe(s *activeSession) {
	defer m.wg.Done()

	res, err := m.processor.Process(s.token.Context(), pipeline.Request{
		SessionID:     s.id,
		Audio:         s.artifact,
		Model:         s.model,
		Language:      s.cfg.Language,
		Prompt:        s.cfg.Prompt,
		Substitutions: s.cfg.Substitutions,
		Priority:      inference.PriorityInteractive,
		Enhance:       s.cfg.Enhancement.Enabled,
		Token:         s.token,
		OnEnhancing: func() {
			m.do(func() {
				if m.active == s && m.state == StateTranscribing {
					m.transition(s.id, StateEnhancing, "", nil)
				}
			})
		},
	})
	s.artifact.Release()

	cancelled := true
	var failure *types.Failure
	m.do(func() {
		if m.active != s || s.cancelRequested {
			return
		}
		switch {
		case types.IsCancelled(err):
			// context.Canceled from a provider counts the same as ErrCancelled.
			s.cancelRequested = true
			m.end(s, types.StatusCancelled, nil)
		case err != nil:
			cancelled = false
			failure = types.NewFailure(err)
			if res == nil {
				res = m.failedResult(s, err)
			}
			m.end(s, types.StatusFailed, failure)
		default:
			cancelled = false
			m.end(s, types.StatusCompleted, nil)
		}
	})

	if cancelled {
		s.pending.resolve(nil, nil)
		return
	}
	m.persist(res)
	if failure != nil {
		s.pending.resolve(res, failure)
		return
	}
	s.pending.resolve(res, nil)
}

// CancelSession abandons the active session without a result. Safe in any
// state and idempotent.
func (m *Manager) CancelSession() {
	m.do(m.cancel)
}

func (m *Manager) cancel() {
	s := m.active
	if s == nil || s.cancelRequested {
		return
	}
	s.cancelRequested = true
	s.token.Cancel()
	if m.state == StateRecording {
		s.rec.Abort()
	}
	L_info("session: cancelled", "session", s.id, "state", m.state)
	m.end(s, types.StatusCancelled, nil)
}

// end returns the machine to idle. Loop only.
func (m *Manager) end(s *activeSession, status types.Status, failure *types.Failure) {
	m.active = nil
	close(s.ended)
	m.transition(s.id, StateIdle, status, failure)
	switch status {
	case types.StatusCompleted:
		m.metrics.RecordSuccess("session", "transcribe")
	case types.StatusFailed:
		kind := types.KindUnknown
		if failure != nil {
			kind = failure.Kind
		}
		m.metrics.RecordFailure("session", "transcribe", string(kind))
	case types.StatusCancelled:
		m.metrics.IncrementCounter("session", "cancelled")
	}
}

func (m *Manager) failedResult(s *activeSession, err error) *types.TranscriptionResult {
	return &types.TranscriptionResult{
		SessionID: s.id,
		ModelName: s.model.Identifier,
		Language:  s.cfg.Language,
		Status:    types.StatusFailed,
		Error:     err.Error(),
		CreatedAt: time.Now(),
	}
}

func (m *Manager) persist(res *types.TranscriptionResult) {
	if m.sink == nil || res == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.sink.Persist(ctx, res); err != nil {
		L_error("session: result sink failed", "session", res.SessionID, "error", err)
	}
}

// EnterBusy holds the manager in the busy state for a model operation.
// Fails with ErrResourceBusy unless idle. Calls nest.
func (m *Manager) EnterBusy() error {
	var err error
	if e := m.do(func() {
		switch m.state {
		case StateIdle:
			m.busyDepth = 1
			m.transition("", StateBusy, "", nil)
		case StateBusy:
			m.busyDepth++
		default:
			err = fmt.Errorf("%w: session %s", types.ErrResourceBusy, m.state)
		}
	}); e != nil {
		return e
	}
	return err
}

// ExitBusy releases one EnterBusy.
func (m *Manager) ExitBusy() {
	m.do(func() {
		if m.state != StateBusy {
			return
		}
		m.busyDepth--
		if m.busyDepth <= 0 {
			m.busyDepth = 0
			m.transition("", StateIdle, "", nil)
		}
	})
}

// Close cancels any active session and stops the loop. Pending futures
// resolve once their pipeline unwinds.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.do(m.cancel)
		close(m.stop)
		<-m.stopped
		m.wg.Wait()
		L_debug("session: manager closed")
	})
}
