// Package initcmd implements `histsync init`.
package initcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
)

// Command implements the `histsync init` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the init command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "init <dir>",
		Short: "Set up a sync directory and remember it as the default",
		Long: `Creates the sync directory if needed, persists it in the global config,
migrates any existing local IPython history into a per-machine store, and
runs a first sync so the merged view exists before the file-sync service
starts replicating.`,
		Args: cobra.ExactArgs(1),
		RunE: c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	rep, err := service.Init(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sync directory initialized at %s\n", rep.Dir)
	fmt.Fprintf(out, "Active store: %s\n", rep.ActivePath)
	if rep.Migrated > 0 {
		fmt.Fprintf(out, "Migrated %d session(s) from local IPython history\n", rep.Migrated)
	}
	return nil
}
