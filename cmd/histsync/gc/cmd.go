// Package gccmd implements `histsync gc`.
package gccmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
)

// Command implements the `histsync gc` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	dryRun bool
}

// New creates the gc command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "gc",
		Short: "Remove retired per-machine stores the merged view already covers",
		RunE:  c.run,
	}

	f := c.cmd.Flags()
	f.BoolVar(&c.dryRun, "dry-run", false, "List what would be removed without removing anything")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	svc, err := service.New(c.ctx.Dir)
	if err != nil {
		return err
	}

	rep, err := svc.GC(cmd.Context(), c.dryRun)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(rep.Retired) == 0 {
		fmt.Fprintln(out, "Nothing to retire")
		return nil
	}
	verb := "Retired"
	if rep.DryRun {
		verb = "Would retire"
	}
	for _, p := range rep.Retired {
		fmt.Fprintf(out, "%s %s\n", verb, p)
	}
	return nil
}
