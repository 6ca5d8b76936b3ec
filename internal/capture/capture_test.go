package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/types"
)

func newBuffers(t *testing.T) *audio.BufferManager {
	t.Helper()
	b, err := audio.NewBufferManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewBufferManager: %v", err)
	}
	return b
}

func TestPCMRecordAndSeal(t *testing.T) {
	buffers := newBuffers(t)
	src := NewPCMSource(buffers, 16000, 1)

	if err := src.Write([]int16{1, 2}); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("Write before Start = %v, want ErrNoRecording", err)
	}

	rec, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !src.Recording() {
		t.Fatal("Recording() = false after Start")
	}
	if _, err := src.Start(context.Background()); !errors.Is(err, types.ErrCaptureFailed) {
		t.Errorf("second Start = %v, want ErrCaptureFailed", err)
	}
	for i := 0; i < 10; i++ {
		if err := src.Write(make([]int16, 1600)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	a, err := rec.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !a.Sealed() {
		t.Error("artifact not sealed")
	}
	if src.Recording() {
		t.Error("Recording() = true after Seal")
	}
	info, err := audio.Inspect(a)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !info.Canonical() {
		t.Errorf("recording is not canonical: %+v", info)
	}
	if d := audio.Duration(a); d < 990*time.Millisecond || d > 1010*time.Millisecond {
		t.Errorf("duration = %v, want 1s", d)
	}

	if _, err := rec.Seal(); !errors.Is(err, types.ErrCaptureFailed) {
		t.Errorf("second Seal = %v", err)
	}
	rec.Abort()
	if a.Released() {
		t.Error("Abort after Seal released the sealed artifact")
	}

	path := a.Path()
	a.Release()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("scratch file survived release: %v", err)
	}
	if n := buffers.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestPCMAbortDiscards(t *testing.T) {
	buffers := newBuffers(t)
	src := NewPCMSource(buffers, 16000, 1)

	rec, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.Write(make([]int16, 800))
	rec.Abort()
	rec.Abort()

	if n := buffers.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
	entries, _ := os.ReadDir(buffers.Dir())
	if len(entries) != 0 {
		t.Errorf("scratch dir not empty: %d entries", len(entries))
	}
	if _, err := rec.Seal(); err == nil {
		t.Error("Seal after Abort succeeded")
	}

	// The source is free for the next recording.
	rec2, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start after Abort: %v", err)
	}
	rec2.Abort()
}

func TestPCMFailure(t *testing.T) {
	src := NewPCMSource(newBuffers(t), 16000, 1)
	if err := src.Fail(errors.New("gone")); !errors.Is(err, ErrNoRecording) {
		t.Fatalf("Fail without recording = %v", err)
	}

	rec, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Abort()
	src.Fail(errors.New("device unplugged"))
	src.Fail(errors.New("again"))

	select {
	case err := <-rec.Failed():
		if !errors.Is(err, types.ErrCaptureFailed) {
			t.Errorf("failure = %v, want ErrCaptureFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("no failure signalled")
	}
	select {
	case err := <-rec.Failed():
		t.Errorf("second failure signalled: %v", err)
	default:
	}
}

func TestPCMPermission(t *testing.T) {
	buffers := newBuffers(t)
	src := NewPCMSource(buffers, 16000, 1, WithPermission(func() error {
		return errors.New("not allowed")
	}))
	if _, err := src.Start(context.Background()); !errors.Is(err, types.ErrPermissionDenied) {
		t.Fatalf("Start = %v, want ErrPermissionDenied", err)
	}
	if n := buffers.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}

func TestFileSource(t *testing.T) {
	buffers := newBuffers(t)
	src := NewFileSource(buffers)

	if _, err := src.Start(context.Background()); !errors.Is(err, types.ErrCaptureFailed) {
		t.Errorf("Start without file = %v", err)
	}

	dir := t.TempDir()
	src.Use(filepath.Join(dir, "missing.wav"))
	if _, err := src.Start(context.Background()); !errors.Is(err, types.ErrCaptureFailed) {
		t.Errorf("Start with missing file = %v", err)
	}
	empty := filepath.Join(dir, "empty.wav")
	os.WriteFile(empty, nil, 0o644)
	src.Use(empty)
	if _, err := src.Start(context.Background()); !errors.Is(err, types.ErrCaptureFailed) {
		t.Errorf("Start with empty file = %v", err)
	}

	input := filepath.Join(dir, "note.wav")
	if err := os.WriteFile(input, []byte("RIFF0000WAVE"), 0o644); err != nil {
		t.Fatal(err)
	}
	src.Use(input)
	rec, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	a, err := rec.Seal()
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a.Path() != input {
		t.Errorf("path = %q, want %q", a.Path(), input)
	}
	a.Release()
	if _, err := os.Stat(input); err != nil {
		t.Errorf("adopted file deleted on release: %v", err)
	}
	if n := buffers.Outstanding(); n != 0 {
		t.Errorf("outstanding = %d", n)
	}
}
