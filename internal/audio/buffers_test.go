package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *BufferManager {
	t.Helper()
	m, err := NewBufferManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewBufferManager failed: %v", err)
	}
	return m
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	a, f, err := m.TempFile(".wav")
	if err != nil {
		t.Fatalf("TempFile failed: %v", err)
	}
	f.Close()

	if m.Outstanding() != 1 {
		t.Fatalf("expected 1 outstanding, got %d", m.Outstanding())
	}

	a.Release()
	a.Release()
	m.Release(a)

	if !a.Released() {
		t.Error("expected artifact to be released")
	}
	if m.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding, got %d", m.Outstanding())
	}
	if _, err := os.Stat(a.Path()); !os.IsNotExist(err) {
		t.Errorf("expected scratch file removed, stat err = %v", err)
	}
	if _, err := a.Open(); err == nil {
		t.Error("expected Open on released artifact to fail")
	}
}

func TestAdoptNeverDeletes(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(t.TempDir(), "user.wav")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	a := m.Adopt(path)
	a.Release()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("adopted file should survive release: %v", err)
	}
	if m.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding, got %d", m.Outstanding())
	}
}

func TestScopeReleasesOnError(t *testing.T) {
	m := newTestManager(t)
	boom := errors.New("boom")

	var paths []string
	err := m.Scope(func(s *Scope) error {
		for i := 0; i < 3; i++ {
			a, f, err := s.TempFile(".raw")
			if err != nil {
				return err
			}
			f.Close()
			paths = append(paths, a.Path())
		}
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if m.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding after error, got %d", m.Outstanding())
	}
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", p)
		}
	}
}

func TestScopeReleasesOnPanic(t *testing.T) {
	m := newTestManager(t)

	func() {
		defer func() { _ = recover() }()
		_ = m.Scope(func(s *Scope) error {
			_, f, err := s.TempFile(".raw")
			if err != nil {
				return err
			}
			f.Close()
			panic("decoder exploded")
		})
	}()

	if m.Outstanding() != 0 {
		t.Errorf("expected 0 outstanding after panic, got %d", m.Outstanding())
	}
}

func TestScopeKeepTransfersOwnership(t *testing.T) {
	m := newTestManager(t)

	var kept *Artifact
	err := m.Scope(func(s *Scope) error {
		a, f, err := s.TempFile(".wav")
		if err != nil {
			return err
		}
		f.Close()
		_, f2, err := s.TempFile(".tmp")
		if err != nil {
			return err
		}
		f2.Close()
		kept = s.Keep(a)
		return nil
	})
	if err != nil {
		t.Fatalf("Scope failed: %v", err)
	}

	if kept.Released() {
		t.Error("kept artifact must survive the scope")
	}
	if m.Outstanding() != 1 {
		t.Errorf("expected only the kept artifact outstanding, got %d", m.Outstanding())
	}

	m.ReleaseAll()
	if m.Outstanding() != 0 || !kept.Released() {
		t.Error("ReleaseAll should free everything")
	}
}

func TestSweepRemovesStaleScratch(t *testing.T) {
	m := newTestManager(t)

	stale := filepath.Join(m.Dir(), scratchPrefix+"old.wav")
	if err := os.WriteFile(stale, nil, 0600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	other := filepath.Join(m.Dir(), "keep-me.wav")
	if err := os.WriteFile(other, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, old, old); err != nil {
		t.Fatal(err)
	}

	live, f, err := m.TempFile(".wav")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := os.Chtimes(live.Path(), old, old); err != nil {
		t.Fatal(err)
	}

	if n := m.Sweep(time.Hour); n != 1 {
		t.Errorf("expected 1 file swept, got %d", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale scratch file should be removed")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("foreign file should not be touched")
	}
	if _, err := os.Stat(live.Path()); err != nil {
		t.Error("live artifact should not be swept")
	}
}

func TestSpillAccountsForScratchFile(t *testing.T) {
	m := newTestManager(t)

	file, f, err := m.TempFile(".wav")
	if err != nil {
		t.Fatalf("TempFile failed: %v", err)
	}
	f.Close()
	if same, spilled, err := file.Spill(".wav"); err != nil || spilled || same != file {
		t.Fatalf("file artifact should not spill: %v %v %v", same, spilled, err)
	}

	mem := m.Buffer([]byte("RIFF0000WAVE"))
	out, spilled, err := mem.Spill(".wav")
	if err != nil || !spilled {
		t.Fatalf("Spill failed: spilled=%v err=%v", spilled, err)
	}
	if filepath.Dir(out.Path()) != m.Dir() {
		t.Errorf("spill written outside scratch dir: %s", out.Path())
	}
	if got, err := os.ReadFile(out.Path()); err != nil || string(got) != "RIFF0000WAVE" {
		t.Errorf("spill content = %q, %v", got, err)
	}
	if m.Outstanding() != 3 {
		t.Errorf("expected 3 outstanding, got %d", m.Outstanding())
	}
	out.Release()
	if _, err := os.Stat(out.Path()); !os.IsNotExist(err) {
		t.Errorf("spill file not removed: %v", err)
	}
	if m.Outstanding() != 2 {
		t.Errorf("expected 2 outstanding after release, got %d", m.Outstanding())
	}
}
