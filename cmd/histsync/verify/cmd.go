// Package verifycmd implements `histsync verify`.
package verifycmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
)

// Command implements the `histsync verify` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the verify command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "verify",
		Short: "Check every store in the sync directory for damage and drift",
		RunE:  c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, _ []string) error {
	svc, err := service.New(c.ctx.Dir)
	if err != nil {
		return err
	}

	rep, err := svc.Verify(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range rep.Problems {
		fmt.Fprintf(out, "problem: %s\n", p)
	}
	for _, d := range rep.Duplicates {
		fmt.Fprintf(out, "note: %s\n", d)
	}
	if !rep.OK() {
		return fmt.Errorf("verify: %d problem(s) in %d store(s)", len(rep.Problems), rep.Checked)
	}
	fmt.Fprintf(out, "Checked %d store(s): all consistent\n", rep.Checked)
	return nil
}
