package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/dictate/internal/audio"
	"github.com/roelfdiedericks/dictate/internal/config"
	"github.com/roelfdiedericks/dictate/internal/engine"
	"github.com/roelfdiedericks/dictate/internal/models"
	"github.com/roelfdiedericks/dictate/internal/types"
)

func noNative(path string) (engine.Native, error) {
	return nil, errors.New("no native engine in tests")
}

func testConfig(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Models.Dir = filepath.Join(dir, "models")
	cfg.Models.Selected = models.PlatformIdentifier
	cfg.ScratchDir = filepath.Join(dir, "scratch")
	cfg.History.Path = filepath.Join(dir, "history.db")
	cfg.Platform.Command = "echo"
	cfg.Platform.Args = []string{"recognized"}
	return config.NewStore(cfg, "")
}

func writeWAV(t *testing.T, seconds int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "note.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := audio.NewWAVWriter(f, 16000, 1)
	if err := w.Write(make([]int16, 16000*seconds)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return path
}

func TestTranscribeFileEndToEnd(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{Loader: noNative})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	input := writeWAV(t, 1)
	a.Files.Use(input)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	handle, err := a.Sessions.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	pending, err := a.Sessions.StopSession(ctx)
	if err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	res, err := pending.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != types.StatusCompleted || !strings.Contains(res.RawText, "recognized") {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("input file removed: %v", err)
	}

	recent, err := a.History.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].SessionID != handle.ID {
		t.Fatalf("history = %+v", recent)
	}
	if n := a.Buffers.Outstanding(); n != 0 {
		t.Errorf("outstanding artifacts = %d", n)
	}
}

func TestOverridesStayOutOfTheFile(t *testing.T) {
	store := testConfig(t)
	a, err := New(context.Background(), store, Options{
		Loader:    noNative,
		Model:     "openai-whisper-1",
		Language:  "de",
		NoHistory: true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	snap := a.Snapshot()
	if snap.Models.Selected != "openai-whisper-1" || snap.Language != "de" {
		t.Errorf("overlay not applied: %+v", snap.Models)
	}
	if base := store.Snapshot(); base.Models.Selected != models.PlatformIdentifier || base.Language != "" {
		t.Errorf("overrides leaked into the store: %q %q", base.Models.Selected, base.Language)
	}
	if a.History != nil {
		t.Error("history opened with NoHistory")
	}
}

func TestModelSwitchBlockedDuringSession(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Options{Loader: noNative, NoHistory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()

	a.Files.Use(writeWAV(t, 1))
	if _, err := a.Sessions.StartSession(context.Background()); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	err = a.Models.SwitchLocal(context.Background(), models.PlatformIdentifier)
	if !errors.Is(err, types.ErrResourceBusy) {
		t.Fatalf("SwitchLocal during session = %v, want ErrResourceBusy", err)
	}
	a.Sessions.CancelSession()
	if err := a.Models.SwitchLocal(context.Background(), models.PlatformIdentifier); err != nil {
		t.Fatalf("SwitchLocal when idle: %v", err)
	}
}

func TestSessionsFollowTheModelManager(t *testing.T) {
	store := testConfig(t)
	if err := store.Update(func(c *config.Config) error {
		c.Remote.OpenAI.APIKey = "sk-test"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	a, err := New(context.Background(), store, Options{Loader: noNative, NoHistory: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	start := func() string {
		t.Helper()
		a.Files.Use(writeWAV(t, 1))
		h, err := a.Sessions.StartSession(ctx)
		if err != nil {
			t.Fatalf("StartSession: %v", err)
		}
		a.Sessions.CancelSession()
		return h.Model.Identifier
	}

	if got := start(); got != models.PlatformIdentifier {
		t.Fatalf("first session model = %q", got)
	}
	if err := a.Models.SwitchLocal(ctx, "openai-whisper-1"); err != nil {
		t.Fatalf("SwitchLocal: %v", err)
	}
	if got := start(); got != "openai-whisper-1" {
		t.Errorf("session after switch used %q, want openai-whisper-1", got)
	}

	// A config change is applied to the manager, not read by sessions directly.
	if err := store.Update(func(c *config.Config) error {
		c.Models.Selected = models.PlatformIdentifier
		c.Language = "fr"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	a.reloaded(ctx)
	if cur, err := a.Models.Current(); err != nil || cur.Identifier != models.PlatformIdentifier {
		t.Errorf("current after reload = %+v, %v", cur, err)
	}
	if got := start(); got != models.PlatformIdentifier {
		t.Errorf("session after reload used %q", got)
	}
}

func TestPreloadFailsForMissingLocalModel(t *testing.T) {
	store := testConfig(t)
	if err := store.Update(func(c *config.Config) error {
		c.Models.Selected = "ggml-base"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	_, err := New(context.Background(), store, Options{Loader: noNative, NoHistory: true, Preload: true})
	if !errors.Is(err, types.ErrModelNotDownloaded) {
		t.Fatalf("New with Preload = %v, want ErrModelNotDownloaded", err)
	}
}
