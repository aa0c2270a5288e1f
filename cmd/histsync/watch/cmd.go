// Package watchcmd implements `histsync watch`.
package watchcmd

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/lockfile"
	"github.com/go-ports/histsync/internal/service"
	"github.com/go-ports/histsync/internal/watch"
)

// Command implements the `histsync watch` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	debounce time.Duration
}

// New creates the watch command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "watch",
		Short: "Run in the foreground, re-syncing whenever store files change",
		RunE:  c.run,
	}

	f := c.cmd.Flags()
	f.DurationVar(&c.debounce, "debounce", watch.DefaultDebounce,
		"Quiet period after a filesystem event before syncing")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	svc, err := service.New(c.ctx.Dir)
	if err != nil {
		return err
	}

	w := watch.New(svc.Dir, c.debounce, slog.Default())
	if err := w.Start(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", svc.Dir)

	// Catch up on anything that changed before the watcher existed.
	if err := c.syncOnce(cmd, svc); err != nil {
		return err
	}

	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case _, open := <-w.Events():
			if !open {
				return nil
			}
			if err := c.syncOnce(cmd, svc); err != nil {
				return err
			}
		}
	}
}

// syncOnce runs one sync pass. Lock contention is expected while another
// machine's watcher holds the replicated lock, so it is logged and survived
// rather than ending the watch.
func (c *Command) syncOnce(cmd *cobra.Command, svc *service.Service) error {
	rep, err := svc.Sync(cmd.Context())
	if err != nil {
		var contention *lockfile.ContentionError
		if errors.As(err, &contention) {
			slog.Warn("sync skipped, lock contended", "holder_path", contention.Path)
			return nil
		}
		return err
	}
	if rep.Written {
		slog.Info("resynced", "added", rep.Added, "updated", rep.Updated)
	}
	return nil
}
