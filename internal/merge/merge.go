// Package merge implements the deterministic history merge.
//
// Merging is a pure function of its inputs: the same set of sessions
// produces the same merged view whatever files they arrive in and in
// whatever order the files are read. Global session ids are append-only:
// once a session has been assigned an id in the merged view it keeps that
// id forever, and new sessions always number from the current maximum up.
package merge

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/go-ports/histsync/internal/store"
)

// Keyed is one session tagged with its origin.
type Keyed struct {
	Key     store.Key
	Session store.Session
}

// Input is one store's sessions with their origin keys resolved. Skipped
// lists sessions the reader could not use; the high-water mark for their
// machine must stay below them so their data is re-examined on a later run.
type Input struct {
	Path     string
	Sessions []Keyed
	Skipped  []store.Key
}

// Result is the outcome of one merge pass.
type Result struct {
	Merged  *store.Snapshot // ready for store.Write at the merged store path
	Digest  string          // content digest of the merged view
	Changed bool            // false when the view matches the prior digest
	Added   int             // sessions newly assigned a global id
	Updated int             // open sessions replaced with a newer copy
}

// FromSnapshot resolves snap's sessions into origin-keyed merge input.
// Sessions in a per-machine store all key under the store's machine id.
// Merged-format snapshots (Syncthing conflict copies of the merged store)
// key each session by its recorded origin instead, which salvages data from
// a lost concurrent merge while leaving global numbering to the surviving
// merged store.
func FromSnapshot(snap *store.Snapshot) (*Input, error) {
	in := &Input{Path: snap.Path}

	if snap.Origins != nil {
		for i := range snap.Sessions {
			s := snap.Sessions[i]
			key, ok := snap.Origins[s.ID]
			if !ok {
				return nil, fmt.Errorf("merge: %s has no origin for session %d", snap.Path, s.ID)
			}
			in.Sessions = append(in.Sessions, Keyed{Key: key, Session: s})
		}
		for _, sk := range snap.Skipped {
			key, ok := snap.Origins[sk.ID]
			if !ok {
				return nil, fmt.Errorf("merge: %s has no origin for skipped session %d", snap.Path, sk.ID)
			}
			in.Skipped = append(in.Skipped, key)
		}
		return in, nil
	}

	if snap.Machine == "" {
		return nil, fmt.Errorf("merge: %s has no machine identity", snap.Path)
	}
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		in.Sessions = append(in.Sessions, Keyed{
			Key:     store.Key{Machine: snap.Machine, Session: s.ID},
			Session: s,
		})
	}
	for _, sk := range snap.Skipped {
		in.Skipped = append(in.Skipped, store.Key{Machine: snap.Machine, Session: sk.ID})
	}
	return in, nil
}

// Merge folds every input into the prior merged view (nil on first run) and
// returns the new view.
//
// A session whose key is already present keeps its global id. If the stored
// copy is still open and an input carries a newer copy of the same session,
// strictly more entries, or the same entries with the end timestamp now set,
// the stored copy is replaced wholesale; entries already merged are never
// dropped. Sessions below their machine's high-water mark that are not in
// the view were folded by an earlier run and are left alone. Everything else
// is new: sorted by (start time, machine, original id) and appended with
// fresh ids above the current maximum.
func Merge(prior *store.Snapshot, inputs []*Input) (*Result, error) {
	if prior == nil {
		prior = &store.Snapshot{}
	}

	merged := make([]store.Session, len(prior.Sessions))
	copy(merged, prior.Sessions)

	index := make(map[int64]int, len(merged))
	byKey := make(map[store.Key]int64, len(prior.Origins))
	for i := range merged {
		key, ok := prior.Origins[merged[i].ID]
		if !ok {
			return nil, fmt.Errorf("merge: prior view has no origin for session %d", merged[i].ID)
		}
		index[merged[i].ID] = i
		byKey[key] = merged[i].ID
	}

	// One winning candidate per key across all inputs. bestCandidate is a
	// total preference, so the winner does not depend on input order.
	best := make(map[store.Key]store.Session)
	for _, in := range inputs {
		for _, ks := range in.Sessions {
			cur, ok := best[ks.Key]
			if !ok || bestCandidate(ks.Session, cur) {
				best[ks.Key] = ks.Session
			}
		}
	}

	var fresh []Keyed
	added, updated := 0, 0
	for key, cand := range best {
		if gid, ok := byKey[key]; ok {
			i := index[gid]
			stored := &merged[i]
			if stored.End == nil && supersedes(cand, *stored) {
				cand.ID = gid
				merged[i] = cand
				updated++
			}
			continue
		}
		if key.Session <= prior.Marks[key.Machine] {
			// Folded by an earlier run and since renumbered or replaced;
			// nothing to re-add.
			continue
		}
		fresh = append(fresh, Keyed{Key: key, Session: cand})
	}

	sort.Slice(fresh, func(i, j int) bool { return orderBefore(fresh[i], fresh[j]) })

	origins := make(map[int64]store.Key, len(prior.Origins)+len(fresh))
	for gid, key := range prior.Origins {
		origins[gid] = key
	}

	nextID := prior.LastSession() + 1
	for _, ks := range fresh {
		s := ks.Session
		s.ID = nextID
		merged = append(merged, s)
		origins[nextID] = ks.Key
		nextID++
		added++
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ID < merged[j].ID })

	marks := recomputeMarks(prior.Marks, merged, origins, inputs)

	meta := make(map[string]string, len(prior.Meta)+2)
	for k, v := range prior.Meta {
		meta[k] = v
	}
	meta[store.MetaStoreVersion] = store.Version

	out := &store.Snapshot{
		Meta:     meta,
		Sessions: merged,
		Marks:    marks,
		Origins:  origins,
	}
	digest := store.ViewDigest(out)
	meta[store.MetaContentDigest] = digest

	return &Result{
		Merged:  out,
		Digest:  digest,
		Changed: prior.Meta[store.MetaContentDigest] != digest,
		Added:   added,
		Updated: updated,
	}, nil
}

// bestCandidate reports whether a should win over b when both carry the same
// key. Longer wins, then closed over open, then more outputs; the final tie
// falls to the smaller content digest so the choice is total.
func bestCandidate(a, b store.Session) bool {
	if len(a.Entries) != len(b.Entries) {
		return len(a.Entries) > len(b.Entries)
	}
	if (a.End != nil) != (b.End != nil) {
		return a.End != nil
	}
	if len(a.Outputs) != len(b.Outputs) {
		return len(a.Outputs) > len(b.Outputs)
	}
	da, db := store.SessionDigest(&a), store.SessionDigest(&b)
	return bytes.Compare(da[:], db[:]) < 0
}

// supersedes reports whether cand carries newer data than the stored open
// copy of the same session.
func supersedes(cand, stored store.Session) bool {
	if len(cand.Entries) > len(stored.Entries) {
		return true
	}
	return len(cand.Entries) == len(stored.Entries) && cand.End != nil
}

// orderBefore is the global ordering for newly merged sessions: start time,
// then machine id, then original session id.
func orderBefore(a, b Keyed) bool {
	if !a.Session.Start.Equal(b.Session.Start) {
		return a.Session.Start.Before(b.Session.Start)
	}
	if a.Key.Machine != b.Key.Machine {
		return a.Key.Machine < b.Key.Machine
	}
	return a.Key.Session < b.Key.Session
}

// recomputeMarks derives the per-machine high-water marks for the new view.
// A source session is fully captured once its end timestamp is set or a
// later session from the same machine exists. The mark is then capped below
// any session a reader had to skip, and never moves backwards.
func recomputeMarks(
	prior map[string]int64,
	merged []store.Session,
	origins map[int64]store.Key,
	inputs []*Input,
) map[string]int64 {
	marks := make(map[string]int64, len(prior))
	for m, v := range prior {
		marks[m] = v
	}

	latest := map[string]int64{}
	for i := range merged {
		o := origins[merged[i].ID]
		if o.Session > latest[o.Machine] {
			latest[o.Machine] = o.Session
		}
	}

	computed := map[string]int64{}
	for i := range merged {
		s := &merged[i]
		o := origins[s.ID]
		captured := s.End != nil || o.Session != latest[o.Machine]
		if captured && o.Session > computed[o.Machine] {
			computed[o.Machine] = o.Session
		}
	}

	// A skipped session's data is not in the view; the mark must stay below
	// it or its store could be retired with entries never merged.
	for _, in := range inputs {
		for _, k := range in.Skipped {
			if computed[k.Machine] >= k.Session {
				computed[k.Machine] = k.Session - 1
			}
		}
	}

	for m, v := range computed {
		if v > marks[m] {
			marks[m] = v
		}
	}
	return marks
}
