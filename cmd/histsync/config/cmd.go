// Package configcmd implements the `histsync config` command group.
package configcmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-ports/histsync/cmd/histsync/shared"
	"github.com/go-ports/histsync/internal/config"
	"github.com/go-ports/histsync/internal/machine"
)

const configTemplate = `# histsync per-directory configuration
# This file replicates with the stores, so every machine sees the same knobs.

# Advisory lock serializing merge passes on this machine.
lock:
  timeout: 10s        # give up on sync after waiting this long
  retry: 100ms        # poll interval while the lock is held
  stale_after: 5m     # reclaim lock markers older than this (crashed holder)

# When fully merged per-machine stores may be deleted.
retire:
  safety_delay: 72h   # grace period for the file-sync service to propagate

# When the active store rolls over to a fresh generation.
rotate:
  max_sessions: 500
  max_bytes: 16777216 # 16 MiB
`

// Command implements `histsync config`.
type Command struct {
	ctx *shared.Context
	cmd *cobra.Command
}

// New creates the config command group.
func New(ctx *shared.Context) *Command {
	c := &Command{ctx: ctx}
	c.cmd = &cobra.Command{
		Use:   "config",
		Short: "Show or manage configuration",
		RunE:  c.runShow,
	}
	c.cmd.AddCommand(
		newConfigInit(ctx),
		newSetDir(ctx),
		newClearDir(ctx),
	)
	return c
}

// Cmd returns the cobra command.
func (c *Command) Cmd() *cobra.Command { return c.cmd }

func (c *Command) runShow(cmd *cobra.Command, _ []string) error {
	dir, source := config.ResolveSyncDir()
	if c.ctx.Dir != "" {
		dir = c.ctx.Dir
		source = "flag"
	}
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return err
	}
	id, err := machine.ID()
	if err != nil {
		return err
	}
	data := map[string]any{
		"lock": map[string]any{
			"timeout":     cfg.Lock.Timeout.String(),
			"retry":       cfg.Lock.Retry.String(),
			"stale_after": cfg.Lock.StaleAfter.String(),
		},
		"retire": map[string]any{
			"safety_delay": cfg.Retire.SafetyDelay.String(),
		},
		"rotate": map[string]any{
			"max_sessions": cfg.Rotate.MaxSessions,
			"max_bytes":    cfg.Rotate.MaxBytes,
		},
		"sync_dir":        dir,
		"sync_dir_source": source,
		"machine_id":      id,
	}
	b, err := yaml.Marshal(data)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), string(b))
	return nil
}

// ---------------------------------------------------------------------------
// config init
// ---------------------------------------------------------------------------

func newConfigInit(ctx *shared.Context) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config.yaml in the sync directory",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir := ctx.Dir
			if dir == "" {
				dir = config.GetSyncDir()
			}
			cfgPath := filepath.Join(dir, "config.yaml")
			out := cmd.OutOrStdout()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Fprintf(out, "Config already exists at %s\n", cfgPath)
				fmt.Fprintln(out, "Use --force to overwrite.")
				return nil
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, []byte(configTemplate), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(out, "Created %s\n", cfgPath)
			fmt.Fprintln(out, "Edit the file to tune locking, retirement, and rotation.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config")
	return cmd
}

// ---------------------------------------------------------------------------
// config set-dir
// ---------------------------------------------------------------------------

func newSetDir(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "set-dir <path>",
		Short: "Persist the sync directory (used when HISTSYNC_DIR is unset)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := config.SetPersistedSyncDir(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(resolved, 0o755); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Persisted sync directory: %s\n", resolved)
			fmt.Fprintln(out, "Override anytime with HISTSYNC_DIR.")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// config clear-dir
// ---------------------------------------------------------------------------

func newClearDir(_ *shared.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-dir",
		Short: "Remove the persisted sync directory from the global config",
		RunE: func(cmd *cobra.Command, _ []string) error {
			changed, err := config.ClearPersistedSyncDir()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if changed {
				fmt.Fprintln(out, "Cleared persisted sync directory setting.")
			} else {
				fmt.Fprintln(out, "No persisted sync directory setting was found.")
			}
			return nil
		},
	}
}
