// Package synccmd implements `histsync sync`.
package synccmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
	"github.com/go-ports/histsync/internal/setup"
)

// Command implements the `histsync sync` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	printPath     bool
	localFallback bool
}

// New creates the sync command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "sync",
		Short: "Merge all replicated stores and refresh the active store",
		RunE:  c.run,
	}

	f := c.cmd.Flags()
	f.BoolVar(&c.printPath, "print-path", false,
		"Print only the active store path (for embedding in shell or IPython hooks)")
	f.BoolVar(&c.localFallback, "local-fallback", false,
		"On any failure, print the default local IPython history path and exit 0")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	rep, err := c.sync(cmd)
	if err != nil {
		if c.localFallback {
			// The caller is an interactive-shell hook: a broken sync setup
			// must never cost the user their history, so hand back the
			// plain local path instead of failing.
			slog.Warn("sync failed, falling back to local history", "error", err)
			fmt.Fprintln(cmd.OutOrStdout(), setup.DefaultHistoryPath())
			return nil
		}
		return err
	}

	out := cmd.OutOrStdout()
	if c.printPath {
		fmt.Fprintln(out, rep.ActivePath)
		return nil
	}

	if rep.Written {
		fmt.Fprintf(out, "Merged view updated: %d session(s) added, %d replaced\n", rep.Added, rep.Updated)
	} else {
		fmt.Fprintln(out, "Merged view unchanged")
	}
	fmt.Fprintf(out, "Active store: %s", rep.ActivePath)
	if rep.Rotated {
		fmt.Fprint(out, " (new generation)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Inputs: %d store(s)\n", rep.Inputs)
	for _, p := range rep.Malformed {
		fmt.Fprintf(out, "Skipped malformed store: %s\n", p)
	}
	for _, p := range rep.Retired {
		fmt.Fprintf(out, "Retired: %s\n", p)
	}
	return nil
}

func (c *Command) sync(cmd *cobra.Command) (*service.SyncReport, error) {
	svc, err := service.New(c.ctx.Dir)
	if err != nil {
		return nil, err
	}
	return svc.Sync(cmd.Context())
}
