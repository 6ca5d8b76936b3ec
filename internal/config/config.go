// Package config loads and saves dictate.json and hands out read-only
// snapshots of it.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	. "github.com/roelfdiedericks/dictate/internal/logging"
	"github.com/roelfdiedericks/dictate/internal/paths"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// Config represents the dictate configuration.
type Config struct {
	LogLevel string `json:"logLevel"` // trace, debug, info, warn, error

	Models        ModelsConfig         `json:"models"`
	Language      string               `json:"language"`      // language hint, "" or "auto" to detect
	Prompt        string               `json:"prompt"`        // initial prompt / vocabulary hint
	Substitutions []types.Substitution `json:"substitutions"` // applied in order

	Enhancement EnhancementConfig `json:"enhancement"`
	Remote      RemoteConfig      `json:"remote"`
	OnDevice    OnDeviceConfig    `json:"onDevice"`
	Platform    PlatformConfig    `json:"platform"`
	Inference   InferenceConfig   `json:"inference"`
	Whisper     WhisperConfig     `json:"whisper"`
	History     HistoryConfig     `json:"history"`

	ScratchDir string `json:"scratchDir"` // temporary audio artifacts
}

// ModelsConfig selects the active model and where model files live.
type ModelsConfig struct {
	Dir      string `json:"dir"`      // base directory, one subdirectory per family
	Selected string `json:"selected"` // descriptor identifier
}

// EnhancementConfig configures the optional LLM clean-up pass.
type EnhancementConfig struct {
	Enabled        bool   `json:"enabled"`
	Provider       string `json:"provider"` // "openai", "anthropic" or "xai"
	Model          string `json:"model"`
	APIKey         string `json:"apiKey"`
	BaseURL        string `json:"baseURL,omitempty"` // OpenAI-compatible endpoint override
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// Timeout returns the enhancement timeout.
func (e EnhancementConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// RemoteConfig holds credentials for cloud transcription vendors.
type RemoteConfig struct {
	OpenAI OpenAIConfig `json:"openai"`
	Groq   GroqConfig   `json:"groq"`
	Google GoogleConfig `json:"google"`
}

// OpenAIConfig holds OpenAI transcription configuration.
type OpenAIConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseURL,omitempty"`
}

// GroqConfig holds Groq transcription configuration.
type GroqConfig struct {
	APIKey string `json:"apiKey"`
}

// GoogleConfig holds Google Cloud Speech-to-Text configuration.
type GoogleConfig struct {
	APIKey       string `json:"apiKey"`
	LanguageCode string `json:"languageCode"` // BCP-47, e.g. "en-US"
}

// OnDeviceConfig configures an external on-device engine CLI.
type OnDeviceConfig struct {
	Command string `json:"command"` // e.g. "whisper-cli"
}

// PlatformConfig configures the operating system's recognizer command.
// The audio file path is appended to Args.
type PlatformConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// InferenceConfig bounds the coordinator.
type InferenceConfig struct {
	RemoteConcurrency int `json:"remoteConcurrency"`
	TimeoutSeconds    int `json:"timeoutSeconds"` // per request, 0 = none
}

// Timeout returns the per-request timeout.
func (i InferenceConfig) Timeout() time.Duration {
	return time.Duration(i.TimeoutSeconds) * time.Second
}

// WhisperConfig tunes the local engine.
type WhisperConfig struct {
	Threads       uint  `json:"threads"`       // 0 = library default
	MaxModelBytes int64 `json:"maxModelBytes"` // 0 = no limit
}

// HistoryConfig locates the result database.
type HistoryConfig struct {
	Path string `json:"path"`
}

// Default returns a config with defaults applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Models.Dir == "" {
		if dir, err := paths.DataPath("models"); err == nil {
			c.Models.Dir = dir
		}
	}
	if c.Models.Selected == "" {
		c.Models.Selected = "ggml-base.en"
	}
	if c.Enhancement.Provider == "" {
		c.Enhancement.Provider = "openai"
	}
	if c.Enhancement.TimeoutSeconds <= 0 {
		c.Enhancement.TimeoutSeconds = 30
	}
	if c.Remote.Google.LanguageCode == "" {
		c.Remote.Google.LanguageCode = "en-US"
	}
	if c.Inference.RemoteConcurrency <= 0 {
		c.Inference.RemoteConcurrency = 4
	}
	if c.History.Path == "" {
		if p, err := paths.HistoryDBPath(); err == nil {
			c.History.Path = p
		}
	}
	if c.ScratchDir == "" {
		if dir, err := paths.ScratchDir(); err == nil {
			c.ScratchDir = dir
		}
	}
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.Models.Dir, &c.History.Path, &c.ScratchDir} {
		expanded, err := paths.ExpandTilde(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Load reads the config at path. An empty path resolves through
// paths.ConfigPath; a missing file yields defaults.
func Load(path string) (*Config, string, error) {
	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, "", err
		}
		if found == "" {
			if found, err = paths.DefaultConfigPath(); err != nil {
				return nil, "", err
			}
		}
		path = found
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		L_debug("config: no config file, using defaults", "path", path)
	case err != nil:
		return nil, path, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, path, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.expandPaths(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// Save writes the config atomically, keeping rotated backups.
func (c *Config) Save(path string) error {
	return saveWithBackups(path, c, DefaultBackupCount)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Substitutions = slices.Clone(c.Substitutions)
	out.Platform.Args = slices.Clone(c.Platform.Args)
	return &out
}

// Store holds the live config. Readers get snapshots that later reloads
// never touch.
type Store struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewStore wraps a loaded config.
func NewStore(cfg *Config, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// Snapshot returns a private copy of the current config.
func (s *Store) Snapshot() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Path returns the config file location.
func (s *Store) Path() string { return s.path }

// Update applies fn to a copy and, when it succeeds, saves and publishes it.
func (s *Store) Update(fn func(c *Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if s.path != "" {
		if err := next.Save(s.path); err != nil {
			return err
		}
	}
	s.cfg = next
	return nil
}

// Reload re-reads the file. A file that fails to parse leaves the current
// config in place.
func (s *Store) Reload() error {
	cfg, _, err := Load(s.path)
	if err != nil {
		L_warn("config: reload failed, keeping previous config", "path", s.path, "error", err)
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	L_info("config: reloaded", "path", s.path)
	return nil
}
