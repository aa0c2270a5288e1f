package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	// Registers the sqlite3 driver with database/sql.
	_ "github.com/mattn/go-sqlite3"
)

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Read opens the store file at path read-only and returns its validated
// snapshot. File-level damage (unreadable SQLite, missing or foreign schema,
// orphaned rows) returns a *MalformedStoreError. Damage confined to a single
// session, typically a torn mid-write replica, lands that session in
// Snapshot.Skipped instead and the rest of the file stays usable.
func Read(path string) (*Snapshot, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("store.Read: %w", err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("store.Read: open %s: %w", path, err)
	}
	defer db.Close()

	tables, err := tableNames(db)
	if err != nil {
		return nil, &MalformedStoreError{Path: path, Reason: "not a SQLite database", Err: err}
	}
	if !tables["sessions"] || !tables["history"] {
		return nil, &MalformedStoreError{Path: path, Reason: "missing sessions or history table"}
	}
	if err := checkColumns(db, "sessions", "session", "start", "end"); err != nil {
		return nil, &MalformedStoreError{Path: path, Reason: err.Error()}
	}
	if err := checkColumns(db, "history", "session", "line", "source", "source_raw"); err != nil {
		return nil, &MalformedStoreError{Path: path, Reason: err.Error()}
	}

	snap := &Snapshot{Path: path, Meta: map[string]string{}}

	if tables["sync_meta"] {
		if err := readMeta(db, snap); err != nil {
			return nil, &MalformedStoreError{Path: path, Reason: "reading sync_meta", Err: err}
		}
		snap.Machine = snap.Meta[MetaMachineID]
	}

	rows, err := readSessionRows(db)
	if err != nil {
		return nil, &MalformedStoreError{Path: path, Reason: "reading sessions", Err: err}
	}
	ids := make(map[int64]bool, len(rows))
	for _, r := range rows {
		ids[r.id] = true
	}

	entries, err := readEntries(db, ids)
	if err != nil {
		return nil, malformed(path, "reading history", err)
	}

	var outputs map[int64][]Output
	if tables["output_history"] {
		outputs, err = readOutputs(db, ids)
		if err != nil {
			return nil, malformed(path, "reading output_history", err)
		}
	}

	for _, r := range rows {
		sess, reason := buildSession(r, entries[r.id], outputs[r.id])
		if reason != "" {
			snap.Skipped = append(snap.Skipped, SkippedSession{ID: r.id, Reason: reason})
			continue
		}
		snap.Sessions = append(snap.Sessions, sess)
	}

	if tables["merge_marks"] {
		if err := readMarks(db, snap); err != nil {
			return nil, &MalformedStoreError{Path: path, Reason: "reading merge_marks", Err: err}
		}
	}
	if tables["session_origins"] {
		if err := readOrigins(db, snap, ids); err != nil {
			return nil, malformed(path, "reading session_origins", err)
		}
	}

	return snap, nil
}

// malformed wraps a row-scanning failure as a *MalformedStoreError, keeping
// the more specific error when the scanner already produced one.
func malformed(path, reason string, err error) error {
	var mErr *MalformedStoreError
	if errors.As(err, &mErr) {
		mErr.Path = path
		return mErr
	}
	return &MalformedStoreError{Path: path, Reason: reason, Err: err}
}

// sessionRow is one raw row of the sessions table before validation.
type sessionRow struct {
	id      int64
	start   sql.NullTime
	end     sql.NullTime
	numCmds sql.NullInt64
	remark  sql.NullString
}

// buildSession validates one session and its attached rows. A non-empty
// reason means the session must be skipped.
func buildSession(r sessionRow, entries []Entry, outputs []Output) (Session, string) {
	if !r.start.Valid || r.start.Time.IsZero() {
		return Session{}, "missing or unreadable start time"
	}
	for i, e := range entries {
		if e.Line != i+1 {
			return Session{}, fmt.Sprintf("line gap at %d", e.Line)
		}
	}
	for _, o := range outputs {
		if o.Line < 1 || o.Line > len(entries) {
			return Session{}, fmt.Sprintf("output at line %d beyond last input line", o.Line)
		}
	}
	sess := Session{
		ID:      r.id,
		Start:   r.start.Time,
		NumCmds: int(r.numCmds.Int64),
		Remark:  r.remark.String,
		Entries: entries,
		Outputs: outputs,
	}
	if r.end.Valid && !r.end.Time.IsZero() {
		end := r.end.Time
		sess.End = &end
	}
	return sess, ""
}

// ---------------------------------------------------------------------------
// Row scanning
// ---------------------------------------------------------------------------

func tableNames(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

func checkColumns(db *sql.DB, table string, required ...string) error {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return fmt.Errorf("inspecting %s table", table)
	}
	defer rows.Close()

	have := map[string]bool{}
	for rows.Next() {
		var (
			cid, notnull, pk sql.NullInt64
			name, ctype      sql.NullString
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspecting %s table", table)
		}
		have[name.String] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspecting %s table", table)
	}
	for _, col := range required {
		if !have[col] {
			return fmt.Errorf("%s table missing %s column", table, col)
		}
	}
	return nil
}

func readMeta(db *sql.DB, snap *Snapshot) error {
	rows, err := db.Query(`SELECT key, value FROM sync_meta ORDER BY key`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		snap.Meta[key] = value.String
	}
	return rows.Err()
}

func readSessionRows(db *sql.DB) ([]sessionRow, error) {
	rows, err := db.Query(
		`SELECT session, start, end, num_cmds, remark FROM sessions ORDER BY session`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []sessionRow
	for rows.Next() {
		var r sessionRow
		if err := rows.Scan(&r.id, &r.start, &r.end, &r.numCmds, &r.remark); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func readEntries(db *sql.DB, ids map[int64]bool) (map[int64][]Entry, error) {
	rows, err := db.Query(
		`SELECT session, line, source, source_raw FROM history ORDER BY session, line`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]Entry{}
	for rows.Next() {
		var session int64
		var line int
		var source, sourceRaw sql.NullString
		if err := rows.Scan(&session, &line, &source, &sourceRaw); err != nil {
			return nil, err
		}
		if !ids[session] {
			return nil, &MalformedStoreError{
				Reason: fmt.Sprintf("history row references missing session %d", session),
			}
		}
		out[session] = append(out[session], Entry{
			Line:      line,
			Source:    source.String,
			SourceRaw: sourceRaw.String,
		})
	}
	return out, rows.Err()
}

func readOutputs(db *sql.DB, ids map[int64]bool) (map[int64][]Output, error) {
	rows, err := db.Query(
		`SELECT session, line, output FROM output_history ORDER BY session, line`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[int64][]Output{}
	for rows.Next() {
		var session int64
		var line int
		var output sql.NullString
		if err := rows.Scan(&session, &line, &output); err != nil {
			return nil, err
		}
		if !ids[session] {
			return nil, &MalformedStoreError{
				Reason: fmt.Sprintf("output row references missing session %d", session),
			}
		}
		out[session] = append(out[session], Output{Line: line, Output: output.String})
	}
	return out, rows.Err()
}

func readMarks(db *sql.DB, snap *Snapshot) error {
	rows, err := db.Query(`SELECT machine, last_session FROM merge_marks ORDER BY machine`)
	if err != nil {
		return err
	}
	defer rows.Close()

	snap.Marks = map[string]int64{}
	for rows.Next() {
		var machine string
		var last int64
		if err := rows.Scan(&machine, &last); err != nil {
			return err
		}
		snap.Marks[machine] = last
	}
	return rows.Err()
}

func readOrigins(db *sql.DB, snap *Snapshot, ids map[int64]bool) error {
	rows, err := db.Query(
		`SELECT session, machine, orig_session FROM session_origins ORDER BY session`,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	snap.Origins = map[int64]Key{}
	for rows.Next() {
		var session, origSession int64
		var machine string
		if err := rows.Scan(&session, &machine, &origSession); err != nil {
			return err
		}
		if !ids[session] {
			return &MalformedStoreError{
				Reason: fmt.Sprintf("origin row references missing session %d", session),
			}
		}
		snap.Origins[session] = Key{Machine: machine, Session: origSession}
	}
	return rows.Err()
}
