// Package service orchestrates the history merge lifecycle: startup sync,
// one-shot merges, store rotation, and retirement of fully merged stores.
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

	"github.com/go-ports/histsync/internal/config"
	"github.com/go-ports/histsync/internal/machine"
	"github.com/go-ports/histsync/internal/merge"
	"github.com/go-ports/histsync/internal/setup"
	"github.com/go-ports/histsync/internal/store"
)

// ConfigurationError reports an unusable sync directory. Fatal to the
// current invocation; nothing on disk has been touched.
type ConfigurationError struct {
	Dir string
	Err error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sync directory %s: %v", e.Dir, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Service owns one sync directory and this machine's identity within it.
type Service struct {
	Dir       string
	MachineID string
	Config    *config.SyncConfig
}

// New initialises a Service for the given sync directory.
// If dir is empty it is resolved via config.GetSyncDir. The directory must
// already exist; Init provisions new ones.
func New(dir string) (*Service, error) {
	if dir == "" {
		dir = config.GetSyncDir()
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, &ConfigurationError{Dir: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &ConfigurationError{Dir: dir, Err: errors.New("not a directory")}
	}

	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	if err != nil {
		return nil, &ConfigurationError{Dir: dir, Err: fmt.Errorf("load config: %w", err)}
	}

	id, err := machine.ID()
	if err != nil {
		return nil, fmt.Errorf("service.New: %w", err)
	}

	return &Service{Dir: dir, MachineID: id, Config: cfg}, nil
}

// ---------------------------------------------------------------------------
// Directory initialization
// ---------------------------------------------------------------------------

// InitReport is the outcome of provisioning a sync directory.
type InitReport struct {
	Dir        string
	ActivePath string
	Migrated   int // sessions copied from the host's local history
}

// Init provisions dir as a sync directory: creates it, persists it as the
// configured sync directory, migrates the host's existing local IPython
// history on this machine's first participation, and runs a full sync so
// the merged view and this machine's active store exist before the first
// shell starts. Re-running is harmless.
func Init(ctx context.Context, dir string) (*InitReport, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, &ConfigurationError{Dir: dir, Err: errors.New("empty path")}
	}
	normalized, err := config.SetPersistedSyncDir(dir)
	if err != nil {
		return nil, &ConfigurationError{Dir: dir, Err: err}
	}
	if err := os.MkdirAll(normalized, 0o755); err != nil {
		return nil, &ConfigurationError{Dir: normalized, Err: err}
	}

	svc, err := New(normalized)
	if err != nil {
		return nil, err
	}

	rep := &InitReport{Dir: normalized}

	rep.Migrated, err = svc.migrateLocalHistory()
	if err != nil {
		return nil, err
	}

	syncRep, err := svc.Sync(ctx)
	if err != nil {
		return nil, err
	}
	rep.ActivePath = syncRep.ActivePath
	return rep, nil
}

// migrateLocalHistory copies the host's default IPython history into the
// sync directory as this machine's first store. It runs only once: any
// existing store for this machine means the machine already participates.
// The local file itself is left in place.
func (s *Service) migrateLocalHistory() (int, error) {
	files, err := store.ListFiles(s.Dir)
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		if f.Info.Machine == s.MachineID {
			return 0, nil
		}
	}

	localPath := setup.DefaultHistoryPath()
	snap, err := store.Read(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		var mErr *store.MalformedStoreError
		if errors.As(err, &mErr) {
			slog.Warn("local history not migratable", "path", localPath, "err", err)
			return 0, nil
		}
		return 0, fmt.Errorf("service.Init: read local history: %w", err)
	}
	if len(snap.Sessions) == 0 {
		return 0, nil
	}
	for _, sk := range snap.Skipped {
		slog.Warn("local history session not migrated", "session", sk.ID, "reason", sk.Reason)
	}

	snap.Machine = s.MachineID
	snap.Meta = map[string]string{
		store.MetaMachineID:    s.MachineID,
		store.MetaStoreVersion: store.Version,
		store.MetaCreatedAt:    store.FormatTime(time.Now()),
	}

	path := filepath.Join(s.Dir, store.FileName(s.MachineID, time.Now().Unix()))
	if err := store.Write(path, snap); err != nil {
		return 0, fmt.Errorf("service.Init: migrate local history: %w", err)
	}
	slog.Info("migrated local history",
		"from", localPath, "to", path, "sessions", len(snap.Sessions))
	return len(snap.Sessions), nil
}

// ---------------------------------------------------------------------------
// One-shot merge of explicit files
// ---------------------------------------------------------------------------

// MergeReport is the outcome of a one-shot merge.
type MergeReport struct {
	Output   string
	Inputs   int
	Sessions int
	Entries  int
	Written  bool // false when the output already held exactly this view
}

// MergeFiles merges the listed store files into outPath, outside any sync
// directory lifecycle. Unlike the lifecycle sync, every input must validate:
// one malformed file fails the whole merge and leaves outPath untouched.
// An existing outPath must be a merged store; it becomes the prior view, so
// re-running with the same inputs changes nothing.
func MergeFiles(ctx context.Context, inputPaths []string, outPath string) (*MergeReport, error) {
	var prior *store.Snapshot
	if _, err := os.Stat(outPath); err == nil {
		prior, err = store.Read(outPath)
		if err != nil {
			return nil, fmt.Errorf("service.MergeFiles: output: %w", err)
		}
		if prior.Origins == nil {
			return nil, fmt.Errorf("service.MergeFiles: output %s exists and is not a merged store", outPath)
		}
		if len(prior.Skipped) > 0 {
			return nil, fmt.Errorf("service.MergeFiles: output %s has damaged sessions", outPath)
		}
	}

	seen := map[string]bool{}
	derived := map[string]string{} // basename-derived machine id → input path
	var inputs []*merge.Input
	for _, p := range inputPaths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		clean := filepath.Clean(p)
		if seen[clean] {
			continue
		}
		seen[clean] = true

		snap, err := store.Read(clean)
		if err != nil {
			return nil, fmt.Errorf("service.MergeFiles: %w", err)
		}
		if snap.Machine == "" && snap.Origins == nil {
			id, fromName := attributeMachine(clean)
			if !fromName {
				if prev, dup := derived[id]; dup {
					return nil, fmt.Errorf(
						"service.MergeFiles: %s and %s both resolve to machine %q; rename one",
						prev, clean, id)
				}
				derived[id] = clean
			}
			snap.Machine = id
		}
		in, err := merge.FromSnapshot(snap)
		if err != nil {
			return nil, fmt.Errorf("service.MergeFiles: %w", err)
		}
		inputs = append(inputs, in)
	}

	res, err := merge.Merge(prior, inputs)
	if err != nil {
		return nil, fmt.Errorf("service.MergeFiles: %w", err)
	}

	rep := &MergeReport{
		Output:   outPath,
		Inputs:   len(inputs),
		Sessions: len(res.Merged.Sessions),
		Entries:  countEntries(res.Merged),
	}
	if prior != nil && !res.Changed {
		return rep, nil
	}

	stampCreated(res.Merged)
	if err := store.Write(outPath, res.Merged); err != nil {
		return nil, fmt.Errorf("service.MergeFiles: %w", err)
	}
	rep.Written = true
	return rep, nil
}

// attributeMachine derives a machine id for a store that carries none in its
// sync_meta. Files following the store naming scheme yield the machine baked
// into the name; anything else falls back to the sanitized base name.
func attributeMachine(path string) (id string, fromName bool) {
	base := filepath.Base(path)
	if info, ok := store.ParseFileName(base); ok && !info.Merged {
		return info.Machine, true
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return machine.Sanitize(stem), false
}

func countEntries(snap *store.Snapshot) int {
	n := 0
	for i := range snap.Sessions {
		n += len(snap.Sessions[i].Entries)
	}
	return n
}

// stampCreated sets the created_at meta key on first write and preserves the
// original timestamp on every rewrite after that.
func stampCreated(snap *store.Snapshot) {
	if _, ok := snap.Meta[store.MetaCreatedAt]; !ok {
		snap.Meta[store.MetaCreatedAt] = store.FormatTime(time.Now())
	}
}
