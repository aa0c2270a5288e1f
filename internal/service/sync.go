package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-ports/histsync/internal/lockfile"
	"github.com/go-ports/histsync/internal/merge"
	"github.com/go-ports/histsync/internal/store"
)

// SyncReport is the outcome of one lifecycle sync pass.
type SyncReport struct {
	ActivePath string // the store IPython should append to
	MergedPath string
	Inputs     int
	Added      int
	Updated    int
	Written    bool // merged store rewritten this pass
	Rotated    bool // a new active store generation was started
	Malformed  []string
	Retired    []string
}

// Sync runs one full merge pass under the directory's advisory lock: fold
// every readable store into the merged view, write it if it changed, make
// sure this machine has a usable active store, and retire stores whose every
// session is safely in the merged view. It returns the active store path for
// the host to append to.
//
// Malformed per-machine stores are skipped and reported; a malformed merged
// store is fatal, since merging without the prior view could renumber
// sessions that retired inputs no longer back.
func (s *Service) Sync(ctx context.Context) (*SyncReport, error) {
	rep := &SyncReport{MergedPath: filepath.Join(s.Dir, store.MergedFileName)}
	err := s.withLock(ctx, func() error {
		return s.syncLocked(ctx, rep)
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

func (s *Service) withLock(ctx context.Context, fn func() error) error {
	cfg := lockfile.Config{
		Timeout:    s.Config.Lock.Timeout,
		Retry:      s.Config.Lock.Retry,
		StaleAfter: s.Config.Lock.StaleAfter,
	}
	lockPath := filepath.Join(s.Dir, store.LockFileName)
	return lockfile.WithLock(ctx, lockPath, s.MachineID, cfg, fn)
}

func (s *Service) syncLocked(ctx context.Context, rep *SyncReport) error {
	files, err := store.ListFiles(s.Dir)
	if err != nil {
		return fmt.Errorf("service.Sync: %w", err)
	}

	prior, err := readPrior(rep.MergedPath)
	if err != nil {
		return err
	}

	inputs, snaps := s.readInputs(ctx, files, rep)
	if err := ctx.Err(); err != nil {
		return err
	}

	res, err := merge.Merge(prior, inputs)
	if err != nil {
		return fmt.Errorf("service.Sync: %w", err)
	}
	rep.Inputs = len(inputs)
	rep.Added = res.Added
	rep.Updated = res.Updated

	if res.Changed {
		stampCreated(res.Merged)
		if err := store.Write(rep.MergedPath, res.Merged); err != nil {
			return fmt.Errorf("service.Sync: %w", err)
		}
		rep.Written = true
		slog.Info("merged view updated",
			"path", rep.MergedPath, "added", res.Added, "updated", res.Updated)
	} else {
		slog.Debug("merged view unchanged", "path", rep.MergedPath)
	}

	rep.ActivePath, rep.Rotated, err = s.ensureActive(files, snaps, res.Merged)
	if err != nil {
		return err
	}

	rep.Retired, err = s.retire(files, snaps, res.Merged.Marks, rep.ActivePath, false)
	return err
}

// readPrior loads the existing merged view. Absent is fine (first run);
// anything else wrong with it is not.
func readPrior(path string) (*store.Snapshot, error) {
	prior, err := store.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("service.Sync: merged store unusable: %w", err)
	}
	if len(prior.Skipped) > 0 {
		return nil, fmt.Errorf("service.Sync: merged store %s has damaged sessions", path)
	}
	return prior, nil
}

// readInputs reads every candidate store file. Unreadable files are logged,
// reported, and skipped; the merge proceeds on what validates.
func (s *Service) readInputs(
	ctx context.Context,
	files []store.File,
	rep *SyncReport,
) ([]*merge.Input, map[string]*store.Snapshot) {
	var inputs []*merge.Input
	snaps := make(map[string]*store.Snapshot, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return inputs, snaps
		}
		if f.Info.Merged && !f.Info.Conflict {
			continue // the prior view, read separately
		}

		snap, err := store.Read(f.Path)
		if err != nil {
			slog.Warn("skipping unreadable store", "path", f.Path, "err", err)
			rep.Malformed = append(rep.Malformed, f.Path)
			continue
		}
		if snap.Machine == "" && snap.Origins == nil {
			// Plain IPython file dropped into the directory under our naming
			// scheme; the name supplies the identity.
			snap.Machine = f.Info.Machine
		}

		in, err := merge.FromSnapshot(snap)
		if err != nil {
			slog.Warn("skipping store with unusable identity", "path", f.Path, "err", err)
			rep.Malformed = append(rep.Malformed, f.Path)
			continue
		}
		for _, sk := range snap.Skipped {
			slog.Warn("skipping damaged session",
				"path", f.Path, "session", sk.ID, "reason", sk.Reason)
		}

		inputs = append(inputs, in)
		snaps[f.Path] = snap
	}
	return inputs, snaps
}

// ---------------------------------------------------------------------------
// Active store lifecycle
// ---------------------------------------------------------------------------

// ensureActive returns the path IPython should append to: this machine's
// newest store generation, or a freshly created one when none exists, the
// current one is unreadable, or it crossed a rotation threshold. The session
// counter of a new store is seeded past every session this machine has ever
// recorded, so original session ids never repeat across generations.
func (s *Service) ensureActive(
	files []store.File,
	snaps map[string]*store.Snapshot,
	merged *store.Snapshot,
) (string, bool, error) {
	var active *store.File
	var maxGen int64
	for i := range files {
		f := &files[i]
		if f.Info.Merged || f.Info.Conflict || f.Info.Machine != s.MachineID {
			continue
		}
		if f.Info.Generation > maxGen {
			maxGen = f.Info.Generation
			active = f
		}
	}

	seed := originHighSession(merged, s.MachineID)
	for _, snap := range snaps {
		if snap.Machine == s.MachineID && snap.LastSession() > seed {
			seed = snap.LastSession()
		}
	}

	rotate := false
	reason := ""
	if active != nil {
		snap, ok := snaps[active.Path]
		switch {
		case !ok:
			// Unreadable: left in place for inspection, but never appended to.
			rotate, reason = true, "unreadable"
		case s.Config.Rotate.MaxSessions > 0 &&
			len(snap.Sessions)+len(snap.Skipped) >= s.Config.Rotate.MaxSessions:
			rotate, reason = true, "session count"
		default:
			if s.Config.Rotate.MaxBytes > 0 {
				if fi, err := os.Stat(active.Path); err == nil && fi.Size() >= s.Config.Rotate.MaxBytes {
					rotate, reason = true, "file size"
				}
			}
		}
		if !rotate {
			return active.Path, false, nil
		}
	}

	gen := time.Now().Unix()
	if gen <= maxGen {
		gen = maxGen + 1
	}
	path := filepath.Join(s.Dir, store.FileName(s.MachineID, gen))
	if err := store.CreateActive(path, s.MachineID, seed); err != nil {
		return "", false, fmt.Errorf("service.Sync: create active store: %w", err)
	}
	if rotate {
		slog.Info("rotated active store", "path", path, "reason", reason, "seed", seed)
	} else {
		slog.Info("created active store", "path", path, "seed", seed)
	}
	return path, rotate, nil
}

// originHighSession returns the highest original session id the merged view
// holds for machineID.
func originHighSession(merged *store.Snapshot, machineID string) int64 {
	var high int64
	for _, key := range merged.Origins {
		if key.Machine == machineID && key.Session > high {
			high = key.Session
		}
	}
	return high
}

// ---------------------------------------------------------------------------
// Retirement
// ---------------------------------------------------------------------------

// retire deletes store files whose every session the high-water marks cover,
// once they have been quiet for the configured safety delay. The merged
// store and this machine's active store are never candidates; unreadable
// files and files with damaged sessions are kept. Leftover temp files from
// interrupted writes age out the same way.
func (s *Service) retire(
	files []store.File,
	snaps map[string]*store.Snapshot,
	marks map[string]int64,
	activePath string,
	dryRun bool,
) ([]string, error) {
	now := time.Now()
	var retired []string
	for _, f := range files {
		if f.Info.Merged && !f.Info.Conflict {
			continue
		}
		if f.Path == activePath {
			continue
		}
		snap, ok := snaps[f.Path]
		if !ok || len(snap.Skipped) > 0 {
			continue
		}
		if !subsumed(snap, marks) {
			continue
		}
		fi, err := os.Stat(f.Path)
		if err != nil || now.Sub(fi.ModTime()) < s.Config.Retire.SafetyDelay {
			continue
		}
		if !dryRun {
			if err := os.Remove(f.Path); err != nil {
				slog.Warn("retire failed", "path", f.Path, "err", err)
				continue
			}
			slog.Info("retired store", "path", f.Path)
		}
		retired = append(retired, f.Path)
	}

	stale, err := s.staleTemps(now, dryRun)
	if err != nil {
		return retired, err
	}
	return append(retired, stale...), nil
}

// staleTemps removes temp files a crashed writer left behind, after the same
// safety delay retirement uses.
func (s *Service) staleTemps(now time.Time, dryRun bool) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("service: scan temp files: %w", err)
	}
	var removed []string
	for _, e := range entries {
		name := e.Name()
		i := strings.Index(name, ".db.tmp-")
		if e.IsDir() || i < 0 {
			continue
		}
		if _, ok := store.ParseFileName(name[:i+len(".db")]); !ok {
			continue // not a temp file for a store name we own
		}
		path := filepath.Join(s.Dir, name)
		fi, err := e.Info()
		if err != nil || now.Sub(fi.ModTime()) < s.Config.Retire.SafetyDelay {
			continue
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				slog.Warn("temp cleanup failed", "path", path, "err", err)
				continue
			}
			slog.Info("removed stale temp file", "path", path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// subsumed reports whether every session in snap is covered by the marks.
func subsumed(snap *store.Snapshot, marks map[string]int64) bool {
	if snap.Origins != nil {
		for i := range snap.Sessions {
			key, ok := snap.Origins[snap.Sessions[i].ID]
			if !ok || key.Session > marks[key.Machine] {
				return false
			}
		}
		return true
	}
	for i := range snap.Sessions {
		if snap.Sessions[i].ID > marks[snap.Machine] {
			return false
		}
	}
	return true
}
