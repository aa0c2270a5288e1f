package setup_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/go-ports/histsync/internal/setup"
)

// ---------------------------------------------------------------------------
// Install / Uninstall
// ---------------------------------------------------------------------------

func TestInstall_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("first install creates ipython_config.py", func(c *qt.C) {
		profile := filepath.Join(t.TempDir(), "profile_default")

		result, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Status, qt.Equals, "ok")
		c.Assert(result.Message, qt.Contains, "Installed")

		data, err := os.ReadFile(filepath.Join(profile, "ipython_config.py"))
		c.Assert(err, qt.IsNil)
		content := string(data)
		c.Assert(strings.HasPrefix(content, "c = get_config()  # noqa\n"), qt.IsTrue)
		c.Assert(content, qt.Contains, "# >>> histsync >>>")
		c.Assert(content, qt.Contains, "# <<< histsync <<<")
		c.Assert(content, qt.Contains, "--print-path")
		c.Assert(content, qt.Contains, "c.HistoryManager.hist_file")
	})

	c.Run("second install is idempotent", func(c *qt.C) {
		profile := t.TempDir()

		_, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		before, err := os.ReadFile(filepath.Join(profile, "ipython_config.py"))
		c.Assert(err, qt.IsNil)

		result, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Message, qt.Equals, "Already installed")

		after, err := os.ReadFile(filepath.Join(profile, "ipython_config.py"))
		c.Assert(err, qt.IsNil)
		c.Assert(string(after), qt.Equals, string(before))
	})

	c.Run("existing configuration is preserved", func(c *qt.C) {
		profile := t.TempDir()
		path := filepath.Join(profile, "ipython_config.py")
		existing := "# my prefs\nc.TerminalIPythonApp.display_banner = False\n"
		c.Assert(os.WriteFile(path, []byte(existing), 0o644), qt.IsNil)

		result, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Status, qt.Equals, "ok")

		data, err := os.ReadFile(path)
		c.Assert(err, qt.IsNil)
		content := string(data)
		c.Assert(content, qt.Contains, "# my prefs")
		c.Assert(content, qt.Contains, "# >>> histsync >>>")
		// The hook goes after the user's own configuration, and the scaffold
		// line is only generated for files we create ourselves.
		c.Assert(strings.Index(content, "# my prefs") <
			strings.Index(content, "# >>> histsync >>>"), qt.IsTrue)
		c.Assert(strings.Contains(content, "c = get_config()"), qt.IsFalse)
	})
}

func TestUninstall_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("hook block is removed, custom content kept", func(c *qt.C) {
		profile := t.TempDir()
		path := filepath.Join(profile, "ipython_config.py")
		existing := "# my prefs\nc.TerminalIPythonApp.display_banner = False\n"
		c.Assert(os.WriteFile(path, []byte(existing), 0o644), qt.IsNil)
		_, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)

		result, err := setup.Uninstall(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Status, qt.Equals, "ok")
		c.Assert(result.Message, qt.Contains, "Removed history hook from")

		data, err := os.ReadFile(path)
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, existing)
	})

	c.Run("a file holding only the scaffold is deleted", func(c *qt.C) {
		profile := t.TempDir()
		_, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)

		result, err := setup.Uninstall(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Message, qt.Contains, "Removed")

		_, err = os.Stat(filepath.Join(profile, "ipython_config.py"))
		c.Assert(err, qt.ErrorIs, os.ErrNotExist)
	})

	c.Run("nothing to remove when not installed", func(c *qt.C) {
		profile := t.TempDir()

		result, err := setup.Uninstall(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Message, qt.Equals, "Nothing to remove")
	})

	c.Run("a config without the hook is left untouched", func(c *qt.C) {
		profile := t.TempDir()
		path := filepath.Join(profile, "ipython_config.py")
		existing := "c.InteractiveShell.colors = 'Linux'\n"
		c.Assert(os.WriteFile(path, []byte(existing), 0o644), qt.IsNil)

		result, err := setup.Uninstall(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Message, qt.Equals, "Nothing to remove")

		data, err := os.ReadFile(path)
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, existing)
	})

	c.Run("reinstall succeeds after uninstall", func(c *qt.C) {
		profile := t.TempDir()

		_, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		_, err = setup.Uninstall(profile)
		c.Assert(err, qt.IsNil)
		result, err := setup.Install(profile)
		c.Assert(err, qt.IsNil)
		c.Assert(result.Message, qt.Contains, "Installed")
	})
}

// ---------------------------------------------------------------------------
// Default paths
// ---------------------------------------------------------------------------

func TestDefaultHistoryPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	c := qt.New(t)

	c.Assert(setup.DefaultProfileDir(), qt.Equals,
		filepath.Join(home, ".ipython", "profile_default"))
	c.Assert(setup.DefaultHistoryPath(), qt.Equals,
		filepath.Join(home, ".ipython", "profile_default", "history.sqlite"))
}
