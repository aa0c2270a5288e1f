// Package uninstallcmd implements `histsync uninstall`.
package uninstallcmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/setup"
)

// Command implements `histsync uninstall`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command

	profileDir string
}

// New creates the uninstall command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the history hook from the IPython profile",
		RunE:  c.run,
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
	result, err := setup.Uninstall(dir)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.Message)
	return nil
}
