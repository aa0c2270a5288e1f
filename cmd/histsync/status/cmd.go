// Package statuscmd implements `histsync status`.
package statuscmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
)

// Command implements the `histsync status` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the status command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "status",
		Short: "Show the sync directory, its stores, and the merged view",
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	svc, err := service.New(c.ctx.Dir)
	if err != nil {
		if service.IsNotExist(err) {
			return fmt.Errorf("%w (run `histsync init <dir>` first)", err)
		}
		return err
	}

	rep, err := svc.Status(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sync directory: %s\n", rep.Dir)
	fmt.Fprintf(out, "Machine id:     %s\n", rep.MachineID)
	if rep.ActivePath != "" {
		fmt.Fprintf(out, "Active store:   %s\n", rep.ActivePath)
	} else {
		fmt.Fprintln(out, "Active store:   none (run `histsync sync`)")
	}
	if rep.MergedPresent {
		fmt.Fprintf(out, "Merged view:    %d session(s), %d entries\n", rep.MergedSessions, rep.MergedEntries)
	} else {
		fmt.Fprintln(out, "Merged view:    not built yet")
	}
	if rep.Locked {
		if h := rep.LockHolder; h != nil {
			fmt.Fprintf(out, "Lock:           held by %s (pid %d, since %s)\n", h.Machine, h.PID, h.CreatedAt)
		} else {
			fmt.Fprintln(out, "Lock:           held (unreadable marker)")
		}
	}

	if len(rep.Machines) > 0 {
		fmt.Fprintln(out, "\nMachines:")
		for _, m := range rep.Machines {
			fmt.Fprintf(out, "  %-20s %d store(s), %d session(s), %d entries",
				m.Machine, m.Stores, m.Sessions, m.Entries)
			if m.Open > 0 {
				fmt.Fprintf(out, ", %d open", m.Open)
			}
			fmt.Fprintf(out, " (merged: %d, mark: %d)\n", m.ViewSessions, m.Mark)
		}
	}

	for _, p := range rep.Conflicts {
		fmt.Fprintf(out, "Sync conflict copy: %s\n", p)
	}
	for _, p := range rep.Malformed {
		fmt.Fprintf(out, "Malformed store: %s\n", p)
	}
	return nil
}
