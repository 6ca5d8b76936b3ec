package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roelfdiedericks/dictate/internal/app"
	"github.com/roelfdiedericks/dictate/internal/bus"
	"github.com/roelfdiedericks/dictate/internal/config"
	"github.com/roelfdiedericks/dictate/internal/models"
	"github.com/roelfdiedericks/dictate/internal/types"
)

// ModelsCmd groups model management.
type ModelsCmd struct {
	List     ModelsListCmd     `cmd:"" default:"1" help:"List every model and its state."`
	Download ModelsDownloadCmd `cmd:"" help:"Download a model."`
	Delete   ModelsDeleteCmd   `cmd:"" help:"Delete a downloaded model."`
	Select   ModelsSelectCmd   `cmd:"" help:"Make a model the default."`
}

type ModelsListCmd struct {
	Family string `help:"Only show one family (local, ondevice, remote, platform)." short:"f"`
}

func (c *ModelsListCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, app.Options{NoHistory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var only types.Family
	if c.Family != "" {
		if only, err = types.ParseFamily(c.Family); err != nil {
			return err
		}
	}

	descs, err := a.Models.Descriptors(ctx)
	if err != nil {
		return err
	}
	var selected string
	if cur, err := a.Models.Current(); err == nil {
		selected = cur.Identifier
	}

	t := newTable("", "ID", "FAMILY", "SIZE", "NAME", "STATE")
	for _, d := range descs {
		if only != "" && d.Family != only {
			continue
		}
		mark, state := "", readyText(d.IsDownloaded)
		if d.Identifier == selected {
			mark = "*"
			state = selectStyle.Render(state)
		}
		t.Row(mark, d.Identifier, string(d.Family), formatSize(d.SizeBytes), d.DisplayName, state)
	}
	fmt.Println(t)
	return nil
}

type ModelsDownloadCmd struct {
	ID string `arg:"" help:"Model identifier."`
}

func (c *ModelsDownloadCmd) Run(g *Globals) error {
	ctx, stop := interruptible()
	defer stop()

	a, err := g.open(ctx, app.Options{NoHistory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	events, unsubscribe := a.Bus.Stream(bus.TopicDownloadProgress)
	defer unsubscribe()

	prog, err := a.Models.Download(c.ID)
	if err != nil {
		return err
	}

	last, showProgress := -1, interactive()
	for {
		select {
		case e := <-events:
			ev, ok := e.Data.(models.DownloadEvent)
			if !ok || ev.Identifier != c.ID {
				continue
			}
			if pct := int(ev.Fraction * 100); pct != last && showProgress {
				last = pct
				fmt.Fprintf(os.Stderr, "\r%s %3d%%", c.ID, pct)
			}
		case <-prog.Done():
			if showProgress {
				fmt.Fprintln(os.Stderr)
			}
			if err := prog.Err(); err != nil {
				return err
			}
			fmt.Printf("%s downloaded\n", c.ID)
			return nil
		case <-ctx.Done():
			a.Models.CancelDownload(c.ID)
			<-prog.Done()
			if showProgress {
				fmt.Fprintln(os.Stderr)
			}
			return errors.New("download cancelled")
		}
	}
}

type ModelsDeleteCmd struct {
	ID string `arg:"" help:"Model identifier."`
}

func (c *ModelsDeleteCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, app.Options{NoHistory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Models.Delete(ctx, c.ID); err != nil {
		return err
	}
	fmt.Printf("%s deleted\n", c.ID)
	return nil
}

type ModelsSelectCmd struct {
	ID string `arg:"" help:"Model identifier."`
}

func (c *ModelsSelectCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := g.open(ctx, app.Options{NoHistory: true})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Models.SwitchLocal(ctx, c.ID); err != nil {
		if errors.Is(err, types.ErrModelNotDownloaded) {
			return fmt.Errorf("%w: run `dictate models download %s` first", err, c.ID)
		}
		return err
	}
	d, err := a.Models.Current()
	if err != nil {
		return err
	}
	if err := a.Config.Update(func(cfg *config.Config) error {
		cfg.Models.Selected = d.Identifier
		return nil
	}); err != nil {
		return err
	}
	fmt.Printf("selected %s\n", d.Identifier)
	return nil
}
