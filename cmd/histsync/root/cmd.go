// Package rootcmd wires the root cobra.Command for the histsync CLI binary.
package rootcmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	configcmd "github.com/go-ports/histsync/cmd/histsync/config"
	gccmd "github.com/go-ports/histsync/cmd/histsync/gc"
	initcmd "github.com/go-ports/histsync/cmd/histsync/init"
	mcpcmd "github.com/go-ports/histsync/cmd/histsync/mcp"
	mergecmd "github.com/go-ports/histsync/cmd/histsync/merge"
	setupcmd "github.com/go-ports/histsync/cmd/histsync/setup"
	"github.com/go-ports/histsync/cmd/histsync/shared"
	statuscmd "github.com/go-ports/histsync/cmd/histsync/status"
	synccmd "github.com/go-ports/histsync/cmd/histsync/sync"
	uninstallcmd "github.com/go-ports/histsync/cmd/histsync/uninstall"
	verifycmd "github.com/go-ports/histsync/cmd/histsync/verify"
	versioncmd "github.com/go-ports/histsync/cmd/histsync/version"
	watchcmd "github.com/go-ports/histsync/cmd/histsync/watch"
	"github.com/go-ports/histsync/internal/buildinfo"
)

// New creates and returns the root cobra.Command for the histsync CLI.
func New() *cobra.Command {
	ctx := &shared.Context{}

	root := &cobra.Command{
		Use:           "histsync",
		Short:         "Keep IPython history consistent across synced machines",
		Version:       buildinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			level := slog.LevelWarn
			if ctx.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			})))
		},
		RunE: func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
	}

	root.PersistentFlags().StringVar(
		&ctx.Dir, "dir", "",
		"Override sync directory (default: $HISTSYNC_DIR env → persisted config → ~/syncthing/ipython_history)",
	)
	root.PersistentFlags().BoolVarP(
		&ctx.Verbose, "verbose", "v", false,
		"Enable debug logging",
	)

	root.AddCommand(
		initcmd.New(ctx).Cmd(),
		synccmd.New(ctx).Cmd(),
		mergecmd.New(ctx).Cmd(),
		statuscmd.New(ctx).Cmd(),
		verifycmd.New(ctx).Cmd(),
		gccmd.New(ctx).Cmd(),
		watchcmd.New(ctx).Cmd(),
		configcmd.New(ctx).Cmd(),
		setupcmd.New(ctx).Cmd(),
		uninstallcmd.New(ctx).Cmd(),
		mcpcmd.New(ctx).Cmd(),
		versioncmd.New(ctx).Cmd(),
	)

	return root
}
