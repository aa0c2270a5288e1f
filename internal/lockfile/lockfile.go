// Package lockfile serializes merges in a shared sync directory through an
// advisory marker file.
//
// The marker only coordinates processes on one machine. Two machines can
// still hold "the" lock at once when the file-sync transport has not yet
// replicated the marker; the merge itself is commutative and the conflict
// copies a racing write produces are folded back in on the next run.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config bounds lock acquisition.
type Config struct {
	Timeout    time.Duration // overall time to keep retrying before giving up
	Retry      time.Duration // pause between attempts
	StaleAfter time.Duration // markers older than this are presumed abandoned
}

// Holder describes the process that created a lock marker.
type Holder struct {
	PID       int    `json:"pid"`
	Machine   string `json:"machine"`
	CreatedAt string `json:"created_at"`
}

// ContentionError reports that the marker stayed held for the whole timeout.
type ContentionError struct {
	Path     string
	Waited   time.Duration
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("lock %s: still held after %s (%d attempts)",
		e.Path, e.Waited.Round(time.Millisecond), e.Attempts)
}

// WithLock runs fn while holding the marker file at path. Creation uses
// O_CREATE|O_EXCL, so exactly one local process wins. An existing marker
// whose created_at is older than cfg.StaleAfter is presumed abandoned,
// removed, and the attempt retried immediately. Fresh markers are retried
// every cfg.Retry until cfg.Timeout elapses, then a *ContentionError is
// returned. The marker is removed when fn returns, even on error.
func WithLock(ctx context.Context, path, machine string, cfg Config, fn func() error) error {
	start := time.Now()
	attempts := 0
	for {
		attempts++
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			h := Holder{
				PID:       os.Getpid(),
				Machine:   machine,
				CreatedAt: time.Now().UTC().Format(time.RFC3339),
			}
			if encoded, merr := json.Marshal(h); merr == nil {
				_, _ = f.Write(append(encoded, '\n'))
			}
			_ = f.Close()
			defer func() { _ = os.Remove(path) }()
			return fn()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("lockfile: acquire %s: %w", path, err)
		}

		if stale(path, time.Now().UTC(), cfg.StaleAfter) {
			slog.Warn("reclaiming stale lock", "path", path)
			_ = os.Remove(path)
			continue
		}

		if waited := time.Since(start); waited >= cfg.Timeout {
			return &ContentionError{Path: path, Waited: waited, Attempts: attempts}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cfg.Retry):
		}
	}
}

// Inspect reads the marker at path. held is false when no marker exists; a
// marker whose contents don't parse still reports held with a nil Holder.
func Inspect(path string) (holder *Holder, held bool, err error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: inspect %s: %w", path, err)
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, true, nil
	}
	return &h, true, nil
}

// stale reports whether the marker at path is older than staleAfter.
// Unreadable or malformed markers are never stale; they wait out the timeout
// like any live competitor.
func stale(path string, now time.Time, staleAfter time.Duration) bool {
	if staleAfter <= 0 {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var h Holder
	if err := json.Unmarshal(data, &h); err != nil {
		return false
	}
	createdAt, err := time.Parse(time.RFC3339, strings.TrimSpace(h.CreatedAt))
	if err != nil {
		return false
	}
	return now.Sub(createdAt) > staleAfter
}
