// Package audio owns captured audio artifacts and converts them into the
// canonical format the local engine needs (16 kHz mono PCM16 WAV).
package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/roelfdiedericks/dictate/internal/logging"
)

// scratchPrefix marks files created by a BufferManager so Sweep can find
// leftovers from a previous run.
const scratchPrefix = "dictate-"

// Artifact is a single-owner reference to audio, either a file or an
// in-memory encoded buffer. It is moved between pipeline stages, never shared.
type Artifact struct {
	id       uint64
	path     string
	data     []byte
	owned    bool // file is deleted on release
	owner    *BufferManager
	sealed   atomic.Bool
	released atomic.Bool
}

// ID returns the artifact's identifier within its manager.
func (a *Artifact) ID() uint64 { return a.id }

// Path returns the backing file, or "" for in-memory artifacts.
func (a *Artifact) Path() string { return a.path }

// InMemory reports whether the artifact is a byte buffer.
func (a *Artifact) InMemory() bool { return a.path == "" }

// Seal marks the artifact complete. Writers must stop before sealing.
func (a *Artifact) Seal() { a.sealed.Store(true) }

// Sealed reports whether the artifact accepts no further writes.
func (a *Artifact) Sealed() bool { return a.sealed.Load() }

// Released reports whether the artifact's storage has been freed.
func (a *Artifact) Released() bool { return a.released.Load() }

// Release frees the artifact through its owning manager. Safe to call more
// than once.
func (a *Artifact) Release() {
	if a == nil {
		return
	}
	if a.owner != nil {
		a.owner.Release(a)
		return
	}
	a.releaseStorage()
}

func (a *Artifact) releaseStorage() bool {
	if !a.released.CompareAndSwap(false, true) {
		return false
	}
	a.data = nil
	if a.owned && a.path != "" {
		if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
			L_warn("audio: failed to remove artifact", "path", a.path, "error", err)
		}
	}
	return true
}

type nopCloser struct{ *bytes.Reader }

func (nopCloser) Close() error { return nil }

// ReadSeekCloser is what Open returns.
type ReadSeekCloser interface {
	io.ReadSeeker
	io.Closer
}

// Open returns a reader over the artifact's content.
func (a *Artifact) Open() (ReadSeekCloser, error) {
	if a.Released() {
		return nil, fmt.Errorf("audio: artifact %d already released", a.id)
	}
	if a.InMemory() {
		return nopCloser{bytes.NewReader(a.data)}, nil
	}
	return os.Open(a.path)
}

// Spill returns a file-backed view of a. File artifacts come back as is
// with spilled false. In-memory audio is copied into a scratch file from
// the same manager; the caller releases that copy.
func (a *Artifact) Spill(suffix string) (file *Artifact, spilled bool, err error) {
	if !a.InMemory() {
		return a, false, nil
	}
	if a.owner == nil {
		return nil, false, fmt.Errorf("audio: artifact %d has no manager to spill into", a.id)
	}
	r, err := a.Open()
	if err != nil {
		return nil, false, err
	}
	defer r.Close()

	out, f, err := a.owner.TempFile(suffix)
	if err != nil {
		return nil, false, err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		out.Release()
		return nil, false, fmt.Errorf("audio: spill artifact %d: %w", a.id, err)
	}
	if err := f.Close(); err != nil {
		out.Release()
		return nil, false, err
	}
	out.Seal()
	return out, true, nil
}

// Size returns the content size in bytes.
func (a *Artifact) Size() (int64, error) {
	if a.InMemory() {
		return int64(len(a.data)), nil
	}
	info, err := os.Stat(a.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// BufferManager tracks every artifact it hands out and is the single point
// of release for them.
type BufferManager struct {
	dir string

	mu     sync.Mutex
	live   map[uint64]*Artifact
	nextID uint64
}

// NewBufferManager creates a manager writing scratch files into dir.
func NewBufferManager(dir string) (*BufferManager, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &BufferManager{dir: dir, live: make(map[uint64]*Artifact)}, nil
}

// Dir returns the scratch directory.
func (m *BufferManager) Dir() string { return m.dir }

func (m *BufferManager) track(a *Artifact) *Artifact {
	m.mu.Lock()
	m.nextID++
	a.id = m.nextID
	a.owner = m
	m.live[a.id] = a
	m.mu.Unlock()
	return a
}

// TempFile creates an owned scratch file and returns it open for writing.
// The caller closes the file; the artifact deletes it on release.
func (m *BufferManager) TempFile(suffix string) (*Artifact, *os.File, error) {
	f, err := os.CreateTemp(m.dir, scratchPrefix+"*"+suffix)
	if err != nil {
		return nil, nil, fmt.Errorf("create scratch file: %w", err)
	}
	a := m.track(&Artifact{path: f.Name(), owned: true})
	L_trace("audio: scratch file acquired", "id", a.id, "path", a.path)
	return a, f, nil
}

// Adopt wraps a caller-owned file. Releasing it forgets the file but never
// deletes it.
func (m *BufferManager) Adopt(path string) *Artifact {
	return m.track(&Artifact{path: path})
}

// Buffer wraps encoded audio bytes held in memory.
func (m *BufferManager) Buffer(data []byte) *Artifact {
	return m.track(&Artifact{data: data})
}

// Release frees an artifact. Unknown or already released artifacts are ignored.
func (m *BufferManager) Release(a *Artifact) {
	if a == nil {
		return
	}
	m.mu.Lock()
	delete(m.live, a.id)
	m.mu.Unlock()
	if a.releaseStorage() {
		L_trace("audio: artifact released", "id", a.id)
	}
}

// ReleaseAll frees every outstanding artifact.
func (m *BufferManager) ReleaseAll() {
	m.mu.Lock()
	live := make([]*Artifact, 0, len(m.live))
	for _, a := range m.live {
		live = append(live, a)
	}
	m.live = make(map[uint64]*Artifact)
	m.mu.Unlock()

	for _, a := range live {
		a.releaseStorage()
	}
}

// Outstanding returns the number of artifacts not yet released.
func (m *BufferManager) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Sweep removes scratch files older than maxAge left behind by an earlier
// process. Returns the number of files removed.
func (m *BufferManager) Sweep(maxAge time.Duration) int {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		L_warn("audio: sweep failed", "dir", m.dir, "error", err)
		return 0
	}

	m.mu.Lock()
	inUse := make(map[string]bool, len(m.live))
	for _, a := range m.live {
		inUse[a.path] = true
	}
	m.mu.Unlock()

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), scratchPrefix) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		if inUse[path] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}
	if removed > 0 {
		L_info("audio: swept stale scratch files", "count", removed)
	}
	return removed
}

// Scope collects artifacts acquired during one operation. Everything not
// handed out with Keep is released when the scope ends, on every exit path.
type Scope struct {
	m        *BufferManager
	acquired []*Artifact
	kept     map[uint64]bool
}

// Scope runs fn with a fresh scope and releases its artifacts afterwards,
// including when fn panics.
func (m *BufferManager) Scope(fn func(s *Scope) error) error {
	s := &Scope{m: m, kept: make(map[uint64]bool)}
	defer s.close()
	return fn(s)
}

// TempFile acquires a scratch file bound to the scope.
func (s *Scope) TempFile(suffix string) (*Artifact, *os.File, error) {
	a, f, err := s.m.TempFile(suffix)
	if err != nil {
		return nil, nil, err
	}
	s.acquired = append(s.acquired, a)
	return a, f, nil
}

// Track binds an existing artifact to the scope.
func (s *Scope) Track(a *Artifact) {
	s.acquired = append(s.acquired, a)
}

// Keep transfers ownership of a out of the scope.
func (s *Scope) Keep(a *Artifact) *Artifact {
	s.kept[a.id] = true
	return a
}

func (s *Scope) close() {
	for _, a := range s.acquired {
		if !s.kept[a.id] {
			s.m.Release(a)
		}
	}
}
