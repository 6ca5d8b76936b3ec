package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/dictate/internal/types"
)

func TestLoadMissingUsesDefaults(t *testing.T) {
	t.Setenv("DICTATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "dictate.json")

	cfg, got, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got != path {
		t.Errorf("expected path %s, got %s", path, got)
	}
	if cfg.Inference.RemoteConcurrency != 4 {
		t.Errorf("expected default remote concurrency 4, got %d", cfg.Inference.RemoteConcurrency)
	}
	if cfg.Models.Selected == "" || cfg.Models.Dir == "" || cfg.ScratchDir == "" {
		t.Errorf("defaults not applied: %+v", cfg.Models)
	}
	if cfg.Enhancement.Timeout() != 30*time.Second {
		t.Errorf("unexpected enhancement timeout %v", cfg.Enhancement.Timeout())
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Setenv("DICTATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "dictate.json")

	cfg := Default()
	cfg.Language = "de"
	cfg.Substitutions = []types.Substitution{{Find: "kubernetes", Replace: "Kubernetes"}}
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	cfg.Language = "fr"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup after second save: %v", err)
	}

	loaded, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Language != "fr" {
		t.Errorf("expected fr, got %q", loaded.Language)
	}
	if len(loaded.Substitutions) != 1 || loaded.Substitutions[0].Replace != "Kubernetes" {
		t.Errorf("substitutions not round-tripped: %+v", loaded.Substitutions)
	}
}

func TestSnapshotIsIsolated(t *testing.T) {
	cfg := Default()
	cfg.Substitutions = []types.Substitution{{Find: "a", Replace: "b"}}
	store := NewStore(cfg, "")

	snap := store.Snapshot()
	if err := store.Update(func(c *Config) error {
		c.Language = "es"
		c.Substitutions[0].Replace = "changed"
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if snap.Language == "es" || snap.Substitutions[0].Replace != "b" {
		t.Error("snapshot must not observe later updates")
	}
	if store.Snapshot().Language != "es" {
		t.Error("update not visible to new snapshots")
	}
}

func TestReloadKeepsConfigOnParseError(t *testing.T) {
	t.Setenv("DICTATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "dictate.json")

	cfg := Default()
	cfg.Language = "nl"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	store := NewStore(cfg, path)

	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if store.Snapshot().Language != "nl" {
		t.Error("bad file should not replace the config")
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	t.Setenv("DICTATE_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "dictate.json")

	cfg := Default()
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	store := NewStore(cfg, path)

	reloaded := make(chan struct{}, 1)
	w, err := NewWatcher(store, 20*time.Millisecond, func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.Start()
	defer w.Stop()

	next := cfg.Clone()
	next.Language = "pt"
	if err := writeJSON(path, next, 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
	if store.Snapshot().Language != "pt" {
		t.Errorf("expected pt after reload, got %q", store.Snapshot().Language)
	}
}
