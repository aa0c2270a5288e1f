// Package shared holds the context passed to all CLI commands.
package shared

// Context carries global CLI state (flags set on the root command).
type Context struct {
	// Dir overrides the sync directory.
	// When empty, resolution falls through to HISTSYNC_DIR env var →
	// persisted config → ~/syncthing/ipython_history.
	Dir string

	// Verbose enables debug-level logging.
	Verbose bool
}
