// Package machine resolves the stable identity that distinguishes this
// machine's history stores from every other replica's.
package machine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/go-ports/histsync/internal/config"
)

// EnvVar overrides the persisted machine identity when set.
const EnvVar = "HISTSYNC_MACHINE_ID"

// ID returns this machine's stable identifier. Resolution: HISTSYNC_MACHINE_ID
// env → persisted identity file → newly generated and persisted. Generated
// ids look like "hostname-1a2b3c4d"; the random suffix keeps two machines
// with the same hostname apart.
func ID() (string, error) {
	if env := Sanitize(os.Getenv(EnvVar)); env != "" {
		return env, nil
	}

	path, err := idFilePath()
	if err != nil {
		return "", fmt.Errorf("machine.ID: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if id := Sanitize(strings.TrimSpace(string(data))); id != "" {
			return id, nil
		}
	}

	id := generate()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("machine.ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("machine.ID: %w", err)
	}
	return id, nil
}

func idFilePath() (string, error) {
	dir, err := config.GlobalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "machine_id"), nil
}

func generate() string {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	if i := strings.IndexByte(host, '.'); i > 0 {
		host = host[:i]
	}
	h := Sanitize(host)
	if h == "" {
		h = "machine"
	}
	return h + "-" + uuid.NewString()[:8]
}

// Sanitize lowercases s and collapses every run of characters outside
// [a-z0-9.-] into a single hyphen, trimming hyphens at both ends. Machine
// ids appear inside store file names where the underscore is the field
// separator, so an underscore must never survive.
func Sanitize(s string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
			lastHyphen = r == '-'
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
