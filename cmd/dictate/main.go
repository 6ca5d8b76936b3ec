// Command dictate records or loads audio and turns it into text with a
// local, on-device, remote or platform transcription model.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/roelfdiedericks/dictate/internal/app"
	"github.com/roelfdiedericks/dictate/internal/config"
	. "github.com/roelfdiedericks/dictate/internal/logging"
)

const version = "0.1.0"

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Config file (default ./dictate.json, then ~/.dictate/dictate.json)." type:"path" short:"c"`
	LogLevel string `help:"Override the configured log level (trace, debug, info, warn, error)." name:"log-level"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Models     ModelsCmd     `cmd:"" help:"List, download, delete and select models."`
	Transcribe TranscribeCmd `cmd:"" help:"Transcribe an audio file."`
	History    HistoryCmd    `cmd:"" help:"Show recent transcriptions."`
	Stats      StatsCmd      `cmd:"" help:"Summarize transcription history."`
	Version    VersionCmd    `cmd:"" help:"Print the version."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("dictate"),
		kong.Description("Speech-to-text from the command line."),
		kong.UsageOnError(),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

// loadConfig initializes logging and reads the config file.
func (g *Globals) loadConfig() (*config.Store, error) {
	Init(&LogConfig{Level: LevelInfo, TimeFormat: "15:04:05"})

	cfg, path, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	level := cfg.LogLevel
	if g.LogLevel != "" {
		level = g.LogLevel
	}
	SetLevel(ParseLevel(level))
	L_debug("config loaded", "path", path)
	return config.NewStore(cfg, path), nil
}

// open builds the full stack.
func (g *Globals) open(ctx context.Context, opts app.Options) (*app.App, error) {
	store, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, store, opts)
}

// interruptible returns a context cancelled by Ctrl-C or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
