package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// File naming
// ---------------------------------------------------------------------------

// File names inside a sync directory. Machine ids never contain underscores
// (see machine.Sanitize), so the final underscore always separates the
// machine id from the generation.
const (
	MergedFileName = "ipython_history_merged.db"
	LockFileName   = "ipython_history.lock"

	filePrefix = "ipython_history_"
	fileSuffix = ".db"
	mergedStem = "merged"

	// Syncthing inserts this marker before the extension when it keeps both
	// sides of a conflicting write.
	conflictMarker = ".sync-conflict-"
)

// Info describes a parsed store file name.
type Info struct {
	Machine    string // "" for the merged store
	Generation int64  // 0 for the merged store
	Merged     bool
	Conflict   bool // Syncthing conflict copy
}

// File pairs a directory entry with its parsed name.
type File struct {
	Path string
	Info Info
}

// FileName returns the store file name for a machine and generation.
func FileName(machine string, generation int64) string {
	return fmt.Sprintf("%s%s_%d%s", filePrefix, machine, generation, fileSuffix)
}

// ParseFileName reports whether name belongs to the store naming scheme and
// what it refers to. Conflict copies parse to the same machine and generation
// as the file they forked from.
func ParseFileName(name string) (Info, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return Info{}, false
	}
	stem := strings.TrimSuffix(name, fileSuffix)

	var info Info
	if i := strings.Index(stem, conflictMarker); i >= 0 {
		info.Conflict = true
		stem = stem[:i]
	}
	stem = strings.TrimPrefix(stem, filePrefix)
	if stem == "" {
		return Info{}, false
	}

	if stem == mergedStem {
		info.Merged = true
		return info, true
	}

	i := strings.LastIndexByte(stem, '_')
	if i <= 0 || i == len(stem)-1 {
		return Info{}, false
	}
	gen, err := strconv.ParseInt(stem[i+1:], 10, 64)
	if err != nil || gen <= 0 {
		return Info{}, false
	}
	info.Machine = stem[:i]
	info.Generation = gen
	return info, true
}

// ListFiles returns every entry in dir matching the store naming scheme, in
// name order. The merged store is included; callers filter on Info.
func ListFiles(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("store.ListFiles: %w", err)
	}

	var files []File
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := ParseFileName(e.Name())
		if !ok {
			continue
		}
		files = append(files, File{Path: filepath.Join(dir, e.Name()), Info: info})
	}
	return files, nil
}
