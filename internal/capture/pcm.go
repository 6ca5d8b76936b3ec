package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/audio"
	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// ErrNoRecording is returned by Write and Fail when nothing is recording.
var ErrNoRecording = errors.New("capture: no active recording")

// PCMSource records PCM16 frames pushed by the caller into a scratch WAV.
// It stands in for a microphone: whoever owns the device pushes frames
// with Write while a recording is active.
type PCMSource struct {
	buffers  *audio.BufferManager
	rate     int
	channels int
	allow    func() error

	mu     sync.Mutex
	active *pcmRecording
}

// PCMOption configures a PCMSource.
type PCMOption func(*PCMSource)

// WithPermission installs a check run on every Start. A non-nil error
// denies capture.
func WithPermission(check func() error) PCMOption {
	return func(s *PCMSource) { s.allow = check }
}

// NewPCMSource records at rate with the given channel count.
func NewPCMSource(buffers *audio.BufferManager, rate, channels int, opts ...PCMOption) *PCMSource {
	s := &PCMSource{buffers: buffers, rate: rate, channels: channels}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *PCMSource) Start(ctx context.Context) (Recording, error) {
	if s.allow != nil {
		if err := s.allow(); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && !s.active.finished() {
		return nil, fmt.Errorf("%w: source already recording", types.ErrCaptureFailed)
	}

	a, f, err := s.buffers.TempFile(".wav")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
	}
	rec := &pcmRecording{
		source:   s,
		artifact: a,
		file:     f,
		writer:   audio.NewWAVWriter(f, s.rate, s.channels),
		failed:   make(chan error, 1),
	}
	s.active = rec
	L_debug("capture: pcm recording started", "rate", s.rate, "channels", s.channels, "path", a.Path())
	return rec, nil
}

// Write appends interleaved samples to the active recording.
func (s *PCMSource) Write(samples []int16) error {
	s.mu.Lock()
	rec := s.active
	s.mu.Unlock()
	if rec == nil {
		return ErrNoRecording
	}
	return rec.write(samples)
}

// Fail reports a device failure on the active recording.
func (s *PCMSource) Fail(err error) error {
	s.mu.Lock()
	rec := s.active
	s.mu.Unlock()
	if rec == nil {
		return ErrNoRecording
	}
	rec.fail(err)
	return nil
}

// Recording reports whether a recording is active.
func (s *PCMSource) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && !s.active.finished()
}

func (s *PCMSource) detach(rec *pcmRecording) {
	s.mu.Lock()
	if s.active == rec {
		s.active = nil
	}
	s.mu.Unlock()
}

type pcmRecording struct {
	source *PCMSource

	mu       sync.Mutex
	artifact *audio.Artifact
	file     *os.File
	writer   *audio.WAVWriter
	done     bool
	failOnce sync.Once
	failed   chan error
}

func (r *pcmRecording) finished() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *pcmRecording) write(samples []int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return ErrNoRecording
	}
	if err := r.writer.Write(samples); err != nil {
		go r.fail(err)
		return err
	}
	return nil
}

func (r *pcmRecording) fail(err error) {
	r.failOnce.Do(func() {
		L_warn("capture: device failure", "error", err)
		r.failed <- fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
	})
}

func (r *pcmRecording) Failed() <-chan error { return r.failed }

func (r *pcmRecording) Seal() (*audio.Artifact, error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: recording already finished", types.ErrCaptureFailed)
	}
	r.done = true
	werr := r.writer.Close()
	ferr := r.file.Close()
	r.mu.Unlock()
	r.source.detach(r)

	if err := errors.Join(werr, ferr); err != nil {
		r.artifact.Release()
		return nil, fmt.Errorf("%w: finalize recording: %v", types.ErrCaptureFailed, err)
	}
	r.artifact.Seal()
	L_debug("capture: pcm recording sealed", "duration", r.writer.Duration())
	return r.artifact, nil
}

func (r *pcmRecording) Abort() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.file.Close()
	r.mu.Unlock()
	r.source.detach(r)

	r.artifact.Release()
	L_debug("capture: pcm recording aborted")
}
