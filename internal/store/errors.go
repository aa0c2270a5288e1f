package store

import "fmt"

// MalformedStoreError reports a store file that failed structural validation:
// not a SQLite database, a foreign schema, or rows that reference missing
// sessions. Damage confined to a single session does not produce this error;
// the reader skips that session instead.
type MalformedStoreError struct {
	Path   string
	Reason string
	Err    error // underlying driver error, may be nil
}

func (e *MalformedStoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed store %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed store %s: %s", e.Path, e.Reason)
}

func (e *MalformedStoreError) Unwrap() error { return e.Err }

// WriteError reports a failure while writing a store file. The target path
// is left untouched: all writes go to a temporary file that is renamed over
// the target only after a successful fsync.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write store %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
