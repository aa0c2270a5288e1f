// Package mergecmd implements `histsync merge`.
package mergecmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/service"
)

// Command implements the `histsync merge` subcommand.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the merge command.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "merge <file>... <output>",
		Short: "Merge explicit history files into an output store",
		Long: `Merges the listed history stores into the output file. Unlike sync, this
is strict: any malformed input aborts the merge and the output file is
left untouched. The output may already exist, in which case the new
sessions are folded into it.`,
		Args: cobra.MinimumNArgs(2),
		RunE: c.run,
	}
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) run(cmd *cobra.Command, args []string) error {
	inputs, output := args[:len(args)-1], args[len(args)-1]

	rep, err := service.MergeFiles(cmd.Context(), inputs, output)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !rep.Written {
		fmt.Fprintf(out, "%s already up to date\n", rep.Output)
		return nil
	}
	fmt.Fprintf(out, "Merged %d store(s) into %s: %d session(s), %d entries\n",
		rep.Inputs, rep.Output, rep.Sessions, rep.Entries)
	return nil
}
