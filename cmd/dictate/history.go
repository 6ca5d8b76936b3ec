package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/store"
	"github.com/roelfdiedericks/dictate/internal/types"
	"gopkg.in/yaml.v3"
)

type HistoryCmd struct {
	N      int    `short:"n" default:"20" help:"Number of entries."`
	Format string `short:"o" enum:"table,json,yaml" default:"table" help:"Output format (table, json, yaml)."`
}

func (c *HistoryCmd) Run(g *Globals) error {
	results, err := g.recent(c.N)
	if err != nil {
		return err
	}

	switch c.Format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(historyEntries(results))
	}

	t := newTable("WHEN", "MODEL", "TEXT", "STATUS")
	for _, r := range results {
		text := r.FinalText()
		if r.Status == types.StatusFailed {
			text = r.Error
		}
		t.Row(r.CreatedAt.Format("2006-01-02 15:04"), r.ModelName, truncate(text, 60), statusText(r.Status))
	}
	fmt.Println(t)
	return nil
}

// historyEntry is the YAML view of a result: durations as strings, the
// final text only.
type historyEntry struct {
	Session   string    `yaml:"session"`
	Created   time.Time `yaml:"created"`
	Model     string    `yaml:"model"`
	Language  string    `yaml:"language,omitempty"`
	Status    string    `yaml:"status"`
	Text      string    `yaml:"text,omitempty"`
	Error     string    `yaml:"error,omitempty"`
	Audio     string    `yaml:"audio"`
	Inference string    `yaml:"inference"`
	Enhanced  bool      `yaml:"enhanced"`
}

func historyEntries(results []*types.TranscriptionResult) []historyEntry {
	out := make([]historyEntry, 0, len(results))
	for _, r := range results {
		out = append(out, historyEntry{
			Session:   r.SessionID,
			Created:   r.CreatedAt,
			Model:     r.ModelName,
			Language:  r.Language,
			Status:    string(r.Status),
			Text:      r.FinalText(),
			Error:     r.Error,
			Audio:     r.AudioDuration.String(),
			Inference: r.TranscriptionDuration.String(),
			Enhanced:  r.EnhancedText != nil,
		})
	}
	return out
}

type StatsCmd struct {
	N int `short:"n" default:"1000" help:"Number of recent entries to summarize."`
}

// Run replays history into a metrics registry and prints the snapshot.
func (c *StatsCmd) Run(g *Globals) error {
	results, err := g.recent(c.N)
	if err != nil {
		return err
	}
	mm := metrics.NewManager()
	for _, r := range results {
		topic := "history/" + r.ModelName
		switch r.Status {
		case types.StatusCompleted:
			mm.RecordSuccess(topic, "transcribe")
			mm.RecordDuration(topic, "inference", r.TranscriptionDuration)
			mm.AddCounter(topic, "audio_seconds", int64(r.AudioDuration.Seconds()))
			if r.EnhancementDuration != nil {
				mm.RecordDuration(topic, "enhancement", *r.EnhancementDuration)
			}
		case types.StatusFailed:
			mm.RecordFailure(topic, "transcribe", failureReason(r.Error))
		}
	}
	fmt.Printf("%d results\n", len(results))
	fmt.Print(metrics.Format(mm.Snapshot()))
	return nil
}

func (g *Globals) recent(n int) ([]*types.TranscriptionResult, error) {
	cfgStore, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	h, err := store.Open(cfgStore.Snapshot().History.Path)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return h.Recent(context.Background(), n)
}

// failureReason takes the taxonomy prefix of a stored error message.
func failureReason(msg string) string {
	if i := strings.Index(msg, ":"); i > 0 {
		return msg[:i]
	}
	return "unknown"
}

func truncate(s string, n int) string {
	r := []rune(strings.ReplaceAll(s, "\n", " "))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n-1]) + "…"
}

type VersionCmd struct{}

func (c *VersionCmd) Run(g *Globals) error {
	fmt.Printf("dictate %s\n", version)
	return nil
}
