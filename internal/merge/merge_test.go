package merge_test

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/go-ports/histsync/internal/merge"
	"github.com/go-ports/histsync/internal/store"
)

// at returns a UTC timestamp i minutes past a fixed base instant.
func at(i int) time.Time {
	return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
}

// closedSession builds a finished session whose entries are numbered from 1.
func closedSession(id int64, start time.Time, sources ...string) store.Session {
	s := openSession(id, start, sources...)
	end := start.Add(time.Minute)
	s.End = &end
	return s
}

// openSession builds a session without an end timestamp.
func openSession(id int64, start time.Time, sources ...string) store.Session {
	s := store.Session{ID: id, Start: start, NumCmds: len(sources)}
	for i, src := range sources {
		s.Entries = append(s.Entries, store.Entry{Line: i + 1, Source: src, SourceRaw: src + "\n"})
	}
	return s
}

// input keys sessions under one machine id, the way FromSnapshot does for a
// per-machine store.
func input(machine string, sessions ...store.Session) *merge.Input {
	in := &merge.Input{Path: "ipython_history_" + machine + "_1.db"}
	for _, s := range sessions {
		in.Sessions = append(in.Sessions, merge.Keyed{
			Key:     store.Key{Machine: machine, Session: s.ID},
			Session: s,
		})
	}
	return in
}

// originOf is a lookup shorthand for assertions.
func originOf(res *merge.Result, gid int64) store.Key {
	return res.Merged.Origins[gid]
}

// ---------------------------------------------------------------------------
// Merge
// ---------------------------------------------------------------------------

func TestMerge_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("sessions from two machines interleave by start time", func(c *qt.C) {
		m1 := input("m1",
			closedSession(1, at(0), "a"),
			closedSession(2, at(2), "c"),
		)
		m2 := input("m2", closedSession(1, at(1), "b"))

		res, err := merge.Merge(nil, []*merge.Input{m1, m2})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Added, qt.Equals, 3)
		c.Assert(res.Updated, qt.Equals, 0)
		c.Assert(res.Changed, qt.IsTrue)

		c.Assert(res.Merged.Sessions, qt.HasLen, 3)
		c.Assert(res.Merged.Sessions[0].ID, qt.Equals, int64(1))
		c.Assert(res.Merged.Sessions[0].Entries[0].Source, qt.Equals, "a")
		c.Assert(res.Merged.Sessions[1].Entries[0].Source, qt.Equals, "b")
		c.Assert(res.Merged.Sessions[2].Entries[0].Source, qt.Equals, "c")

		c.Assert(originOf(res, 1), qt.Equals, store.Key{Machine: "m1", Session: 1})
		c.Assert(originOf(res, 2), qt.Equals, store.Key{Machine: "m2", Session: 1})
		c.Assert(originOf(res, 3), qt.Equals, store.Key{Machine: "m1", Session: 2})

		c.Assert(res.Merged.Marks, qt.DeepEquals, map[string]int64{"m1": 2, "m2": 1})
	})

	c.Run("an open latest session holds the mark back", func(c *qt.C) {
		m1 := input("m1",
			closedSession(1, at(0), "done"),
			openSession(2, at(1), "still running"),
		)
		m2 := input("m2", closedSession(1, at(2), "done too"))

		res, err := merge.Merge(nil, []*merge.Input{m1, m2})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Merged.Marks, qt.DeepEquals, map[string]int64{"m1": 1, "m2": 1})
	})

	c.Run("a closed session below the latest is captured even while open sessions follow", func(c *qt.C) {
		// Session 1 open, session 2 closed: 1 is not the latest so the mark
		// would cover it, except it is open; captured goes by end-or-not-latest,
		// and 1 is not latest, so the mark lands on 2.
		m1 := input("m1",
			openSession(1, at(0), "crashed"),
			closedSession(2, at(1), "fine"),
		)

		res, err := merge.Merge(nil, []*merge.Input{m1})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Merged.Marks, qt.DeepEquals, map[string]int64{"m1": 2})
	})

	c.Run("the result carries its own content digest in meta", func(c *qt.C) {
		res, err := merge.Merge(nil, []*merge.Input{input("m1", closedSession(1, at(0), "a"))})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Digest, qt.Not(qt.Equals), "")
		c.Assert(res.Merged.Meta[store.MetaContentDigest], qt.Equals, res.Digest)
		c.Assert(res.Merged.Meta[store.MetaStoreVersion], qt.Equals, store.Version)
	})
}

func TestMerge_Idempotence_HappyPath(t *testing.T) {
	c := qt.New(t)

	inputs := []*merge.Input{
		input("m1", closedSession(1, at(0), "a"), openSession(2, at(1), "b")),
		input("m2", closedSession(1, at(2), "c")),
	}

	first, err := merge.Merge(nil, inputs)
	c.Assert(err, qt.IsNil)
	c.Assert(first.Changed, qt.IsTrue)

	second, err := merge.Merge(first.Merged, inputs)
	c.Assert(err, qt.IsNil)
	c.Assert(second.Changed, qt.IsFalse)
	c.Assert(second.Added, qt.Equals, 0)
	c.Assert(second.Updated, qt.Equals, 0)
	c.Assert(second.Digest, qt.Equals, first.Digest)
	c.Assert(second.Merged.Sessions, qt.DeepEquals, first.Merged.Sessions)
	c.Assert(second.Merged.Marks, qt.DeepEquals, first.Merged.Marks)
}

func TestMerge_Commutativity_HappyPath(t *testing.T) {
	c := qt.New(t)

	a := input("m1", closedSession(1, at(0), "a"), closedSession(2, at(3), "d"))
	b := input("m2", closedSession(1, at(1), "b"))
	d := input("m3", openSession(1, at(2), "c"))

	orders := [][]*merge.Input{
		{a, b, d},
		{d, b, a},
		{b, a, d},
		{a, b, d, a, b}, // the same file listed twice changes nothing
	}

	var digest string
	for i, inputs := range orders {
		res, err := merge.Merge(nil, inputs)
		c.Assert(err, qt.IsNil)
		if i == 0 {
			digest = res.Digest
			continue
		}
		c.Assert(res.Digest, qt.Equals, digest)
	}
}

func TestMerge_OpenSessionReplacement_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("an open session grows in place and keeps its id", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", openSession(1, at(0), "x = 1")),
		})
		c.Assert(err, qt.IsNil)

		res, err := merge.Merge(prior.Merged, []*merge.Input{
			input("m1", openSession(1, at(0), "x = 1", "x + 1", "x * 2")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Updated, qt.Equals, 1)
		c.Assert(res.Added, qt.Equals, 0)
		c.Assert(res.Changed, qt.IsTrue)
		c.Assert(res.Merged.Sessions, qt.HasLen, 1)
		c.Assert(res.Merged.Sessions[0].ID, qt.Equals, int64(1))
		c.Assert(res.Merged.Sessions[0].Entries, qt.HasLen, 3)
	})

	c.Run("closing a session with the same entries replaces it", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", openSession(1, at(0), "x = 1")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(prior.Merged.Marks["m1"], qt.Equals, int64(0))

		res, err := merge.Merge(prior.Merged, []*merge.Input{
			input("m1", closedSession(1, at(0), "x = 1")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Updated, qt.Equals, 1)
		c.Assert(res.Merged.Sessions[0].End, qt.IsNotNil)
		c.Assert(res.Merged.Marks["m1"], qt.Equals, int64(1))
	})

	c.Run("a stale shorter copy never replaces", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", openSession(1, at(0), "x = 1", "x + 1", "x * 2")),
		})
		c.Assert(err, qt.IsNil)

		res, err := merge.Merge(prior.Merged, []*merge.Input{
			input("m1", openSession(1, at(0), "x = 1")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Updated, qt.Equals, 0)
		c.Assert(res.Changed, qt.IsFalse)
		c.Assert(res.Merged.Sessions[0].Entries, qt.HasLen, 3)
	})

	c.Run("a closed session is never replaced", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", closedSession(1, at(0), "x = 1")),
		})
		c.Assert(err, qt.IsNil)

		res, err := merge.Merge(prior.Merged, []*merge.Input{
			input("m1", closedSession(1, at(0), "x = 1", "forged extra")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Updated, qt.Equals, 0)
		c.Assert(res.Merged.Sessions[0].Entries, qt.HasLen, 1)
	})

	c.Run("the longest copy wins when several arrive at once", func(c *qt.C) {
		short := openSession(1, at(0), "x = 1")
		long := openSession(1, at(0), "x = 1", "x + 1")

		res, err := merge.Merge(nil, []*merge.Input{
			input("m1", short),
			{
				Path: "conflict copy",
				Sessions: []merge.Keyed{
					{Key: store.Key{Machine: "m1", Session: 1}, Session: long},
				},
			},
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Added, qt.Equals, 1)
		c.Assert(res.Merged.Sessions[0].Entries, qt.HasLen, 2)
	})
}

func TestMerge_AppendOnlyIDs_HappyPath(t *testing.T) {
	c := qt.New(t)

	prior, err := merge.Merge(nil, []*merge.Input{
		input("m1", closedSession(1, at(10), "late")),
		input("m2", closedSession(1, at(11), "later")),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(prior.Merged.LastSession(), qt.Equals, int64(2))

	// A session that started before everything already merged still gets the
	// next id up; existing ids never shift.
	res, err := merge.Merge(prior.Merged, []*merge.Input{
		input("m1", closedSession(1, at(10), "late")),
		input("m2", closedSession(1, at(11), "later")),
		input("m3", closedSession(1, at(0), "early riser")),
	})
	c.Assert(err, qt.IsNil)
	c.Assert(res.Added, qt.Equals, 1)
	c.Assert(res.Merged.Sessions, qt.HasLen, 3)
	c.Assert(originOf(res, 1), qt.Equals, store.Key{Machine: "m1", Session: 1})
	c.Assert(originOf(res, 2), qt.Equals, store.Key{Machine: "m2", Session: 1})
	c.Assert(originOf(res, 3), qt.Equals, store.Key{Machine: "m3", Session: 1})
}

func TestMerge_Marks_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("mark stays below a skipped session", func(c *qt.C) {
		in := input("m1",
			closedSession(1, at(0), "a"),
			closedSession(3, at(2), "c"),
		)
		in.Skipped = []store.Key{{Machine: "m1", Session: 2}}

		res, err := merge.Merge(nil, []*merge.Input{in})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Merged.Marks, qt.DeepEquals, map[string]int64{"m1": 1})
	})

	c.Run("marks never move backwards", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", closedSession(1, at(0), "a"), closedSession(2, at(1), "b")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(prior.Merged.Marks["m1"], qt.Equals, int64(2))

		// The same store arrives torn: session 2 unreadable this pass. The
		// recorded mark keeps covering it.
		in := input("m1", closedSession(1, at(0), "a"))
		in.Skipped = []store.Key{{Machine: "m1", Session: 2}}

		res, err := merge.Merge(prior.Merged, []*merge.Input{in})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Merged.Marks["m1"], qt.Equals, int64(2))
		c.Assert(res.Changed, qt.IsFalse)
	})

	c.Run("sessions at or below the mark are not resurrected", func(c *qt.C) {
		prior, err := merge.Merge(nil, []*merge.Input{
			input("m1", closedSession(1, at(0), "a"), closedSession(2, at(1), "b")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(prior.Merged.Marks["m1"], qt.Equals, int64(2))

		// The user pruned session 1 from the merged view. The mark still
		// covers it, so a lingering store file cannot resurrect it.
		pruned := &store.Snapshot{
			Sessions: prior.Merged.Sessions[1:],
			Origins:  map[int64]store.Key{2: {Machine: "m1", Session: 2}},
			Marks:    prior.Merged.Marks,
		}

		res, err := merge.Merge(pruned, []*merge.Input{
			input("m1", closedSession(1, at(0), "a"), closedSession(2, at(1), "b")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(res.Added, qt.Equals, 0)
		c.Assert(res.Merged.Sessions, qt.HasLen, 1)
		c.Assert(res.Merged.Sessions[0].Entries[0].Source, qt.Equals, "b")
	})
}

func TestMerge_TieBreak_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("same start time orders by machine id", func(c *qt.C) {
		res, err := merge.Merge(nil, []*merge.Input{
			input("zed", closedSession(1, at(0), "from zed")),
			input("abe", closedSession(1, at(0), "from abe")),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(originOf(res, 1).Machine, qt.Equals, "abe")
		c.Assert(originOf(res, 2).Machine, qt.Equals, "zed")
	})

	c.Run("same machine and start orders by original id", func(c *qt.C) {
		res, err := merge.Merge(nil, []*merge.Input{
			input("m1",
				closedSession(7, at(0), "seventh"),
				closedSession(3, at(0), "third"),
			),
		})
		c.Assert(err, qt.IsNil)
		c.Assert(originOf(res, 1).Session, qt.Equals, int64(3))
		c.Assert(originOf(res, 2).Session, qt.Equals, int64(7))
	})
}

func TestMerge_FailurePath(t *testing.T) {
	c := qt.New(t)

	c.Run("prior view missing an origin", func(c *qt.C) {
		prior := &store.Snapshot{
			Sessions: []store.Session{closedSession(1, at(0), "a")},
			Origins:  map[int64]store.Key{},
		}
		_, err := merge.Merge(prior, nil)
		c.Assert(err, qt.ErrorMatches, ".*no origin for session 1.*")
	})
}

// ---------------------------------------------------------------------------
// FromSnapshot
// ---------------------------------------------------------------------------

func TestFromSnapshot_HappyPath(t *testing.T) {
	c := qt.New(t)

	c.Run("per-machine store keys under its machine id", func(c *qt.C) {
		snap := &store.Snapshot{
			Path:     "ipython_history_mbp_1.db",
			Machine:  "mbp",
			Sessions: []store.Session{closedSession(2, at(0), "a"), closedSession(5, at(1), "b")},
			Skipped:  []store.SkippedSession{{ID: 7, Reason: "line gap at 3"}},
		}

		in, err := merge.FromSnapshot(snap)
		c.Assert(err, qt.IsNil)
		c.Assert(in.Sessions, qt.HasLen, 2)
		c.Assert(in.Sessions[0].Key, qt.Equals, store.Key{Machine: "mbp", Session: 2})
		c.Assert(in.Sessions[1].Key, qt.Equals, store.Key{Machine: "mbp", Session: 5})
		c.Assert(in.Skipped, qt.DeepEquals, []store.Key{{Machine: "mbp", Session: 7}})
	})

	c.Run("merged-format snapshot rekeys sessions by origin", func(c *qt.C) {
		snap := &store.Snapshot{
			Path:     "ipython_history_merged.sync-conflict-20240301-101500-ABCDEF.db",
			Sessions: []store.Session{closedSession(1, at(0), "a"), closedSession(2, at(1), "b")},
			Marks:    map[string]int64{"mbp": 4, "nuc": 9},
			Origins: map[int64]store.Key{
				1: {Machine: "mbp", Session: 4},
				2: {Machine: "nuc", Session: 9},
			},
		}

		in, err := merge.FromSnapshot(snap)
		c.Assert(err, qt.IsNil)
		c.Assert(in.Sessions[0].Key, qt.Equals, store.Key{Machine: "mbp", Session: 4})
		c.Assert(in.Sessions[1].Key, qt.Equals, store.Key{Machine: "nuc", Session: 9})
	})
}

func TestFromSnapshot_FailurePath(t *testing.T) {
	c := qt.New(t)

	c.Run("no machine identity", func(c *qt.C) {
		snap := &store.Snapshot{
			Path:     "history.sqlite",
			Sessions: []store.Session{closedSession(1, at(0), "a")},
		}
		_, err := merge.FromSnapshot(snap)
		c.Assert(err, qt.ErrorMatches, ".*no machine identity.*")
	})

	c.Run("merged snapshot missing an origin", func(c *qt.C) {
		snap := &store.Snapshot{
			Path:     "ipython_history_merged.db",
			Sessions: []store.Session{closedSession(1, at(0), "a")},
			Origins:  map[int64]store.Key{},
			Marks:    map[string]int64{},
		}
		_, err := merge.FromSnapshot(snap)
		c.Assert(err, qt.ErrorMatches, ".*no origin for session 1.*")
	})
}
