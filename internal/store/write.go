package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// Write serializes snap into a temporary file next to path, fsyncs it, and
// renames it over path. A crash at any point leaves either the old complete
// store or the new complete store on disk, never a mix. Failures return a
// *WriteError and leave path untouched.
//
// Row order is deterministic: sessions by id, entries and outputs by line,
// meta by key, marks by machine, origins by session. Writing the same
// snapshot twice produces byte-identical files.
func Write(path string, snap *Snapshot) error {
	return atomicWrite(path, func(tmpPath string) error {
		return writeSnapshot(tmpPath, snap)
	})
}

// CreateActive creates a fresh, empty per-machine store at path. lastSession
// seeds the session counter: with AUTOINCREMENT, sqlite_sequence keeps the
// seeded value after the placeholder row is deleted, so the next session the
// host records gets lastSession+1 and per-machine session ids stay unique
// across store generations.
func CreateActive(path, machine string, lastSession int64) error {
	return atomicWrite(path, func(tmpPath string) error {
		return createActiveFile(tmpPath, machine, lastSession)
	})
}

func atomicWrite(path string, fill func(tmpPath string) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-")
	if err != nil {
		return &WriteError{Path: path, Err: err}
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := fill(tmpPath); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := syncFile(tmpPath); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &WriteError{Path: path, Err: err}
	}
	success = true

	// Directory sync so the rename itself is durable.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

func syncFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeSnapshot(path string, snap *Snapshot) error {
	// The journal lives in memory: durability comes from the explicit fsync
	// before the rename, and a crash mid-write only ever loses the temp file.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=MEMORY&_synchronous=OFF")
	if err != nil {
		return err
	}
	defer db.Close()

	merged := snap.Marks != nil || snap.Origins != nil
	if err := createSchema(db, merged); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	sessions := make([]Session, len(snap.Sessions))
	copy(sessions, snap.Sessions)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })

	for i := range sessions {
		s := &sessions[i]
		var end any
		if s.End != nil {
			end = FormatTime(*s.End)
		}
		if _, err := tx.Exec(
			`INSERT INTO sessions (session, start, end, num_cmds, remark) VALUES (?, ?, ?, ?, ?)`,
			s.ID, FormatTime(s.Start), end, s.NumCmds, s.Remark,
		); err != nil {
			return fmt.Errorf("insert session %d: %w", s.ID, err)
		}
		for _, e := range s.Entries {
			if _, err := tx.Exec(
				`INSERT INTO history (session, line, source, source_raw) VALUES (?, ?, ?, ?)`,
				s.ID, e.Line, e.Source, e.SourceRaw,
			); err != nil {
				return fmt.Errorf("insert history %d/%d: %w", s.ID, e.Line, err)
			}
		}
		for _, o := range s.Outputs {
			if _, err := tx.Exec(
				`INSERT INTO output_history (session, line, output) VALUES (?, ?, ?)`,
				s.ID, o.Line, o.Output,
			); err != nil {
				return fmt.Errorf("insert output %d/%d: %w", s.ID, o.Line, err)
			}
		}
	}

	if err := insertMeta(tx, snap.Meta); err != nil {
		return err
	}

	if merged {
		machines := sortedKeys(snap.Marks)
		for _, m := range machines {
			if _, err := tx.Exec(
				`INSERT INTO merge_marks (machine, last_session) VALUES (?, ?)`,
				m, snap.Marks[m],
			); err != nil {
				return fmt.Errorf("insert mark %s: %w", m, err)
			}
		}

		globals := make([]int64, 0, len(snap.Origins))
		for id := range snap.Origins {
			globals = append(globals, id)
		}
		sort.Slice(globals, func(i, j int) bool { return globals[i] < globals[j] })
		for _, id := range globals {
			o := snap.Origins[id]
			if _, err := tx.Exec(
				`INSERT INTO session_origins (session, machine, orig_session) VALUES (?, ?, ?)`,
				id, o.Machine, o.Session,
			); err != nil {
				return fmt.Errorf("insert origin %d: %w", id, err)
			}
		}
	}

	return tx.Commit()
}

func createActiveFile(path, machine string, lastSession int64) error {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=MEMORY&_synchronous=OFF")
	if err != nil {
		return err
	}
	defer db.Close()

	if err := createSchema(db, false); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	meta := map[string]string{
		MetaMachineID:    machine,
		MetaStoreVersion: Version,
		MetaCreatedAt:    FormatTime(time.Now()),
	}
	if err := insertMeta(tx, meta); err != nil {
		return err
	}

	if lastSession > 0 {
		if _, err := tx.Exec(
			`INSERT INTO sessions (session, start, end, num_cmds, remark) VALUES (?, NULL, NULL, 0, '')`,
			lastSession,
		); err != nil {
			return fmt.Errorf("seed session counter: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sessions WHERE session = ?`, lastSession); err != nil {
			return fmt.Errorf("seed session counter: %w", err)
		}
	}

	return tx.Commit()
}

func insertMeta(tx *sql.Tx, meta map[string]string) error {
	for _, key := range sortedKeys(meta) {
		if _, err := tx.Exec(
			`INSERT INTO sync_meta (key, value) VALUES (?, ?)`,
			key, meta[key],
		); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// createSchema creates the IPython history schema, table text kept compatible
// with what IPython itself creates. Merged stores carry two extra tables.
func createSchema(db *sql.DB, merged bool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session integer primary key autoincrement,
			start timestamp,
			end timestamp,
			num_cmds integer,
			remark text
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			session integer,
			line integer,
			source text,
			source_raw text,
			PRIMARY KEY (session, line)
		)`,
		`CREATE TABLE IF NOT EXISTS output_history (
			session integer,
			line integer,
			output text,
			PRIMARY KEY (session, line)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_meta (
			key text PRIMARY KEY,
			value text
		)`,
	}
	if merged {
		stmts = append(stmts,
			`CREATE TABLE IF NOT EXISTS merge_marks (
				machine text PRIMARY KEY,
				last_session integer
			)`,
			`CREATE TABLE IF NOT EXISTS session_origins (
				session integer PRIMARY KEY,
				machine text,
				orig_session integer
			)`,
		)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("createSchema exec: %w\nSQL: %s", err, stmt)
		}
	}
	return nil
}
