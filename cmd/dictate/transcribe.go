package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/roelfdiedericks/dictate/internal/app"
	"github.com/roelfdiedericks/dictate/internal/metrics"
	"github.com/roelfdiedericks/dictate/internal/session"
	"github.com/roelfdiedericks/dictate/internal/types"
)

type TranscribeCmd struct {
	File      string `arg:"" type:"existingfile" help:"Audio file (wav, ogg/opus, or anything ffmpeg reads)."`
	Model     string `help:"Model identifier, overriding the configured one." short:"m"`
	Language  string `help:"Language hint, e.g. en or de; auto to detect." short:"l"`
	Enhance   bool   `help:"Run the LLM enhancement pass." short:"e"`
	JSON      bool   `help:"Print the full result as JSON."`
	NoHistory bool   `help:"Do not record the result in history."`
	Stats     bool   `help:"Print timings after the transcript."`
	Verbose   bool   `help:"Print state changes to stderr." short:"v"`
}

func (c *TranscribeCmd) Run(g *Globals) error {
	ctx, stop := interruptible()
	defer stop()

	a, err := g.open(ctx, app.Options{
		Model:     c.Model,
		Language:  c.Language,
		Enhance:   c.Enhance,
		NoHistory: c.NoHistory,
		Preload:   true,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Verbose {
		unsubscribe := a.Sessions.Subscribe(func(sc session.StateChange) {
			fmt.Fprintf(os.Stderr, "%s -> %s %s\n", sc.From, sc.To, sc.Status)
		})
		defer unsubscribe()
	}

	a.Files.Use(c.File)
	if _, err := a.Sessions.StartSession(ctx); err != nil {
		return err
	}
	pending, err := a.Sessions.StopSession(ctx)
	if err != nil {
		return err
	}

	select {
	case <-pending.Done():
	case <-ctx.Done():
		a.Sessions.CancelSession()
		<-pending.Done()
	}
	res, err := pending.Wait(context.Background())
	switch {
	case res == nil && err == nil:
		return errors.New("transcription cancelled")
	case res == nil:
		return err
	}

	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
	} else if res.Status == types.StatusCompleted {
		fmt.Println(res.FinalText())
	}
	if c.Stats {
		fmt.Fprint(os.Stderr, metrics.Format(a.Metrics.Snapshot()))
	}
	return err
}
