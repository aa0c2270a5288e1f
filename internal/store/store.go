// Package store reads and writes IPython-compatible history store files.
//
// A store is a SQLite file holding the standard IPython history schema
// (sessions, history, output_history) plus a sync_meta key/value table
// carrying merge bookkeeping. The merged store additionally records a
// per-machine high-water mark and the origin of every global session.
// Plain IPython history files without sync_meta read as valid stores.
package store

import "time"

// TimeFormat is the canonical timestamp layout written to store files.
// Python's sqlite3 converter zero-pads fractional seconds, so the trailing
// zeros Go trims here still read back to the same instant on the IPython side.
const TimeFormat = "2006-01-02 15:04:05.999999"

// Keys recognised in the sync_meta table. Unknown keys are preserved
// verbatim on rewrite.
const (
	MetaMachineID     = "machine_id"
	MetaStoreVersion  = "store_version"
	MetaCreatedAt     = "created_at"
	MetaContentDigest = "content_digest"
)

// Version is written under the store_version meta key on every store this
// engine creates.
const Version = "1"

// Key identifies a session by its origin: the machine that recorded it and
// the session identifier inside that machine's own store.
type Key struct {
	Machine string
	Session int64
}

// Entry is one recorded input line.
type Entry struct {
	Line      int
	Source    string
	SourceRaw string
}

// Output is one captured output line.
type Output struct {
	Line   int
	Output string
}

// Session is a contiguous run of entries recorded by one process instance.
// End is nil while the session is open (process still running, or crashed).
// Entries and Outputs are ordered by line number; the merge never reorders
// or edits them.
type Session struct {
	ID      int64
	Start   time.Time
	End     *time.Time
	NumCmds int
	Remark  string
	Entries []Entry
	Outputs []Output
}

// SkippedSession records a session the reader refused to yield, typically a
// mid-write snapshot with a gap in its line numbers. The high-water mark
// must never advance past a skipped session.
type SkippedSession struct {
	ID     int64
	Reason string
}

// Snapshot is the immutable in-memory form of one store file.
type Snapshot struct {
	Path     string
	Machine  string            // sync_meta machine_id; "" for plain IPython files
	Meta     map[string]string // full sync_meta contents
	Sessions []Session
	Skipped  []SkippedSession

	// Merged-store bookkeeping; nil on per-machine stores.
	Marks   map[string]int64 // machine id → highest source session folded in
	Origins map[int64]Key    // global session id → origin
}

// LastSession returns the highest session id present in the store, counting
// skipped sessions, or 0 when the store holds none.
func (s *Snapshot) LastSession() int64 {
	var last int64
	for i := range s.Sessions {
		if s.Sessions[i].ID > last {
			last = s.Sessions[i].ID
		}
	}
	for _, sk := range s.Skipped {
		if sk.ID > last {
			last = sk.ID
		}
	}
	return last
}

// FormatTime renders t in the canonical store timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}
