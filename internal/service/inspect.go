package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-ports/histsync/internal/lockfile"
	"github.com/go-ports/histsync/internal/store"
)

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// MachineStatus summarizes one machine's presence in the sync directory.
type MachineStatus struct {
	Machine      string
	Stores       int // per-machine store files currently on disk
	Sessions     int // sessions across those files
	Entries      int
	Open         int   // sessions without an end timestamp
	ViewSessions int   // sessions attributed to this machine in the merged view
	Mark         int64 // high-water mark recorded in the merged store
}

// StatusReport is a point-in-time picture of a sync directory. It is
// assembled without taking the lock; a merge racing it just means the
// numbers are a moment stale.
type StatusReport struct {
	Dir            string
	MachineID      string
	ActivePath     string // newest own generation; "" before the first sync
	MergedPresent  bool
	MergedSessions int
	MergedEntries  int
	Machines       []MachineStatus
	Locked         bool
	LockHolder     *lockfile.Holder
	Conflicts      []string
	Malformed      []string
}

// Status inspects the sync directory without modifying it.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	files, err := store.ListFiles(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("service.Status: %w", err)
	}

	rep := &StatusReport{Dir: s.Dir, MachineID: s.MachineID}
	byMachine := map[string]*MachineStatus{}
	machineRow := func(id string) *MachineStatus {
		row, ok := byMachine[id]
		if !ok {
			row = &MachineStatus{Machine: id}
			byMachine[id] = row
		}
		return row
	}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Info.Conflict {
			rep.Conflicts = append(rep.Conflicts, f.Path)
		}

		if f.Info.Merged {
			if f.Info.Conflict {
				continue
			}
			merged, err := store.Read(f.Path)
			if err != nil {
				rep.Malformed = append(rep.Malformed, f.Path)
				continue
			}
			rep.MergedPresent = true
			rep.MergedSessions = len(merged.Sessions)
			rep.MergedEntries = countEntries(merged)
			for machineID, mark := range merged.Marks {
				machineRow(machineID).Mark = mark
			}
			for _, key := range merged.Origins {
				machineRow(key.Machine).ViewSessions++
			}
			continue
		}

		snap, err := store.Read(f.Path)
		if err != nil {
			rep.Malformed = append(rep.Malformed, f.Path)
			continue
		}
		if snap.Machine == "" && snap.Origins == nil {
			snap.Machine = f.Info.Machine
		}

		row := machineRow(snap.Machine)
		row.Stores++
		row.Sessions += len(snap.Sessions) + len(snap.Skipped)
		row.Entries += countEntries(snap)
		for i := range snap.Sessions {
			if snap.Sessions[i].End == nil {
				row.Open++
			}
		}
	}
	rep.ActivePath = s.newestOwnStore(files)

	for _, row := range byMachine {
		rep.Machines = append(rep.Machines, *row)
	}
	sort.Slice(rep.Machines, func(i, j int) bool {
		return rep.Machines[i].Machine < rep.Machines[j].Machine
	})

	holder, held, err := lockfile.Inspect(filepath.Join(s.Dir, store.LockFileName))
	if err != nil {
		return nil, fmt.Errorf("service.Status: %w", err)
	}
	rep.Locked = held
	rep.LockHolder = holder
	return rep, nil
}

// ---------------------------------------------------------------------------
// Verify
// ---------------------------------------------------------------------------

// VerifyReport lists everything wrong with a sync directory. Duplicates is
// informational: identical session content recorded independently by two
// machines is legal, it just usually means a store was copied by hand.
type VerifyReport struct {
	Checked    int
	Problems   []string
	Duplicates []string
}

// OK reports whether verification found no problems.
func (r *VerifyReport) OK() bool { return len(r.Problems) == 0 }

// Verify checks every store in the sync directory for structural damage and
// the merged store for internal consistency: origins covering every session,
// marks not exceeding what the view holds, and a content digest matching the
// stored one. Read-only.
func (s *Service) Verify(ctx context.Context) (*VerifyReport, error) {
	files, err := store.ListFiles(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("service.Verify: %w", err)
	}

	rep := &VerifyReport{}
	seenContent := map[store.Digest]store.Key{}

	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep.Checked++

		snap, err := store.Read(f.Path)
		if err != nil {
			rep.Problems = append(rep.Problems, err.Error())
			continue
		}
		for _, sk := range snap.Skipped {
			rep.Problems = append(rep.Problems,
				fmt.Sprintf("%s: session %d: %s", f.Path, sk.ID, sk.Reason))
		}
		if snap.Machine == "" && snap.Origins == nil {
			snap.Machine = f.Info.Machine
		}

		if f.Info.Merged && !f.Info.Conflict {
			s.verifyMerged(rep, f.Path, snap)
		}

		for i := range snap.Sessions {
			sess := &snap.Sessions[i]
			key := store.Key{Machine: snap.Machine, Session: sess.ID}
			if snap.Origins != nil {
				key = snap.Origins[sess.ID]
			}
			d := store.SessionDigest(sess)
			if prev, ok := seenContent[d]; ok && prev != key && len(sess.Entries) > 0 {
				rep.Duplicates = append(rep.Duplicates,
					fmt.Sprintf("session (%s, %d) repeats content of (%s, %d)",
						key.Machine, key.Session, prev.Machine, prev.Session))
				continue
			}
			seenContent[d] = key
		}
	}

	sort.Strings(rep.Problems)
	sort.Strings(rep.Duplicates)
	return rep, nil
}

func (s *Service) verifyMerged(rep *VerifyReport, path string, snap *store.Snapshot) {
	for i := range snap.Sessions {
		if _, ok := snap.Origins[snap.Sessions[i].ID]; !ok {
			rep.Problems = append(rep.Problems,
				fmt.Sprintf("%s: session %d has no recorded origin", path, snap.Sessions[i].ID))
		}
	}

	high := map[string]int64{}
	for _, key := range snap.Origins {
		if key.Session > high[key.Machine] {
			high[key.Machine] = key.Session
		}
	}
	for machineID, mark := range snap.Marks {
		if mark > high[machineID] {
			rep.Problems = append(rep.Problems,
				fmt.Sprintf("%s: mark %d for %s exceeds highest held session %d",
					path, mark, machineID, high[machineID]))
		}
	}

	stored, ok := snap.Meta[store.MetaContentDigest]
	switch {
	case !ok:
		rep.Problems = append(rep.Problems, fmt.Sprintf("%s: no content digest recorded", path))
	case stored != store.ViewDigest(snap):
		rep.Problems = append(rep.Problems,
			fmt.Sprintf("%s: content digest mismatch; store was modified outside the merge", path))
	}
}

// ---------------------------------------------------------------------------
// Garbage collection
// ---------------------------------------------------------------------------

// GCReport is the outcome of a retirement pass.
type GCReport struct {
	DryRun  bool
	Retired []string // deleted, or would be deleted under DryRun
}

// GC runs the retirement pass on its own, without merging first: stores
// fully covered by the merged view's high-water marks and quiet for the
// safety delay are deleted, along with aged-out temp files. With dryRun the
// report lists what would go and nothing is touched.
func (s *Service) GC(ctx context.Context, dryRun bool) (*GCReport, error) {
	rep := &GCReport{DryRun: dryRun}
	err := s.withLock(ctx, func() error {
		files, err := store.ListFiles(s.Dir)
		if err != nil {
			return fmt.Errorf("service.GC: %w", err)
		}

		marks := map[string]int64{}
		prior, err := readPrior(filepath.Join(s.Dir, store.MergedFileName))
		if err != nil {
			return err
		}
		if prior != nil {
			marks = prior.Marks
		}

		snaps := make(map[string]*store.Snapshot, len(files))
		for _, f := range files {
			if f.Info.Merged && !f.Info.Conflict {
				continue
			}
			snap, err := store.Read(f.Path)
			if err != nil {
				continue // unreadable files are never retired
			}
			if snap.Machine == "" && snap.Origins == nil {
				snap.Machine = f.Info.Machine
			}
			snaps[f.Path] = snap
		}

		rep.Retired, err = s.retire(files, snaps, marks, s.newestOwnStore(files), dryRun)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// newestOwnStore returns the path of this machine's newest store generation,
// or "" when it has none.
func (s *Service) newestOwnStore(files []store.File) string {
	var path string
	var maxGen int64
	for _, f := range files {
		if f.Info.Merged || f.Info.Conflict || f.Info.Machine != s.MachineID {
			continue
		}
		if f.Info.Generation > maxGen {
			maxGen = f.Info.Generation
			path = f.Path
		}
	}
	return path
}

// ---------------------------------------------------------------------------

// IsNotExist reports whether err means the sync directory has never been
// initialised, as opposed to being broken.
func IsNotExist(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) && errors.Is(cfgErr.Err, os.ErrNotExist)
}
