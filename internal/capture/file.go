package capture

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// FileSource "captures" an existing audio file. The file is adopted, so
// releasing the artifact never deletes it.
type FileSource struct {
	buffers *audio.BufferManager

	mu   sync.Mutex
	path string
}

// NewFileSource creates a source with no file selected.
func NewFileSource(buffers *audio.BufferManager) *FileSource {
	return &FileSource{buffers: buffers}
}

// Use selects the file returned by the next Start.
func (s *FileSource) Use(path string) {
	s.mu.Lock()
	s.path = path
	s.mu.Unlock()
}

func (s *FileSource) Start(ctx context.Context) (Recording, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()
	if path == "" {
		return nil, fmt.Errorf("%w: no input file", types.ErrCaptureFailed)
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %v", types.ErrCaptureFailed, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, fmt.Errorf("%w: %s is not an audio file", types.ErrCaptureFailed, path)
	}
	return &fileRecording{artifact: s.buffers.Adopt(path), failed: make(chan error)}, nil
}

type fileRecording struct {
	mu       sync.Mutex
	artifact *audio.Artifact
	sealed   bool
	failed   chan error
}

func (r *fileRecording) Seal() (*audio.Artifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return nil, fmt.Errorf("%w: recording already finished", types.ErrCaptureFailed)
	}
	r.sealed = true
	r.artifact.Seal()
	return r.artifact, nil
}

// Failed never fires; a file cannot fail mid-capture.
func (r *fileRecording) Failed() <-chan error { return r.failed }

func (r *fileRecording) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.sealed = true
		r.artifact.Release()
	}
}
