// Package setupcmd implements `histsync setup`.
package setupcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/setup"
)

// Command implements `histsync setup`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	profileDir string
}

// New creates the setup command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "setup",
		Short: "Install the history hook into the IPython profile",
		Long: `Appends a marker-delimited block to ipython_config.py that points
IPython's HistoryManager at the synced active store, falling back to the
local history file whenever histsync is unavailable.`,
		RunE: c.run,
	}

	f := c.cmd.Flags()
	f.StringVar(&c.profileDir, "profile-dir", "",
		"IPython profile directory (default: ~/.ipython/profile_default)")
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	dir := c.profileDir
	if dir == "" {
		dir = setup.DefaultProfileDir()
	}
	result, err := setup.Install(dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}
