package store

import (
	"io/fs"
	"path/filepath"
)

// Stats is a compact view of store health used by readiness checks and the
// telemetry gauges.
type Stats struct {
	DiskBytes uint64
	Threads   int
	Open      bool
}

// GetStats returns best-effort statistics about the store. Disk usage is
// computed by walking the DB directory; when the store is closed the zero
// value is returned.
func GetStats() Stats {
	var s Stats
	if db == nil {
		return s
	}
	s.Open = true
	if dbPath != "" {
		var total uint64
		_ = filepath.WalkDir(dbPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			total += uint64(fi.Size())
			return nil
		})
		s.DiskBytes = total
	}
	if iter, err := db.NewIter(nil); err == nil {
		prefix := []byte("threadmeta:")
		for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
			k := iter.Key()
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				break
			}
			s.Threads++
		}
		iter.Close()
	}
	return s
}
