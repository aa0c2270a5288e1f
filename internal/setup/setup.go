// Package setup installs and uninstalls the IPython configuration hook that
// routes history through the merge engine.
package setup

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed ipython_snippet.py
var configSnippet string

// Result is the return value from Install and Uninstall.
type Result struct {
	Status  string // always "ok"
	Message string
}

func ok(msg string) Result          { return Result{Status: "ok", Message: msg} }
func okf(f string, a ...any) Result { return ok(fmt.Sprintf(f, a...)) }

// ---------------------------------------------------------------------------
// Default path helpers
// ---------------------------------------------------------------------------

// DefaultProfileDir returns IPython's default profile directory.
func DefaultProfileDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ipython", "profile_default")
}

// DefaultHistoryPath returns the history database IPython uses when nothing
// overrides it. The sync CLI prints this as the fallback append target when
// the sync directory is unreachable.
func DefaultHistoryPath() string {
	return filepath.Join(DefaultProfileDir(), "history.sqlite")
}

func configPath(profileDir string) string {
	return filepath.Join(profileDir, "ipython_config.py")
}

// ---------------------------------------------------------------------------
// Install / Uninstall
// ---------------------------------------------------------------------------

// Marker lines delimiting the managed block inside ipython_config.py.
// The hook must live in ipython_config.py, not a startup file: startup
// scripts run after the HistoryManager has already opened its database.
const (
	beginMarker = "# >>> histsync >>>"
	endMarker   = "# <<< histsync <<<"
)

// Install appends the history hook to ipython_config.py under profileDir,
// creating the file when missing. An empty profileDir selects the default
// profile. Idempotent: an existing hook is left untouched.
func Install(profileDir string) (Result, error) {
	if profileDir == "" {
		profileDir = DefaultProfileDir()
	}
	path := configPath(profileDir)

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Result{}, err
	}
	if strings.Contains(string(existing), beginMarker) {
		return ok("Already installed"), nil
	}

	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return Result{}, err
	}

	content := string(existing)
	if content == "" {
		content = "c = get_config()  # noqa\n"
	}
	content = strings.TrimRight(content, "\n") + "\n\n" + strings.TrimRight(configSnippet, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { // #nosec G306 -- IPython config holds no secrets
		return Result{}, err
	}
	return okf("Installed history hook in %s", path), nil
}

// Uninstall removes the hook block from ipython_config.py. If nothing but
// the generated scaffold remains afterwards the file is deleted. Idempotent.
func Uninstall(profileDir string) (Result, error) {
	if profileDir == "" {
		profileDir = DefaultProfileDir()
	}
	path := configPath(profileDir)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ok("Nothing to remove"), nil
	}
	if err != nil {
		return Result{}, err
	}

	cleaned, changed := removeSnippet(string(data))
	if !changed {
		return ok("Nothing to remove"), nil
	}

	rest := strings.TrimSpace(cleaned)
	if rest == "" || rest == "c = get_config()  # noqa" {
		if err := os.Remove(path); err != nil {
			return Result{}, err
		}
		return okf("Removed %s", path), nil
	}

	if err := os.WriteFile(path, []byte(cleaned), 0o644); err != nil { // #nosec G306 -- IPython config holds no secrets
		return Result{}, err
	}
	return okf("Removed history hook from %s", path), nil
}

// removeSnippet strips the marker-delimited block, markers included.
func removeSnippet(content string) (cleaned string, changed bool) {
	if !strings.Contains(content, beginMarker) {
		return content, false
	}

	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == beginMarker {
			inBlock = true
			continue
		}
		if inBlock {
			if trimmed == endMarker {
				inBlock = false
			}
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimRight(strings.Join(kept, "\n"), "\n") + "\n", true
}
