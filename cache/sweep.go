package cache

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

type sweepEntry struct {
	path    string
	modTime time.Time
	size    int64
}

// sweep runs the two-phase eviction over the primary root.
//
// Phase one removes every entry whose modification time predates
// now-maxAge. Phase two, when maxSize > 0 and the survivors still exceed it,
// deletes oldest-first until the total is below maxSize/2. The headroom
// keeps the next store from immediately re-triggering eviction.
//
// Individual delete failures are ignored; the sweep always runs to completion.
// Returns the number of entries removed and the bytes remaining.
func (s *diskStore) sweep(maxAge time.Duration, maxSize int64) (removed int, remaining int64) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0, 0
	}

	var (
		cutoff    = time.Now().Add(-maxAge)
		survivors []sweepEntry
		total     int64
	)
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(s.root, ent.Name())
		if maxAge > 0 && info.ModTime().Before(cutoff) {
			_ = os.Remove(path)
			removed++
			continue
		}
		survivors = append(survivors, sweepEntry{
			path:    path,
			modTime: info.ModTime(),
			size:    info.Size(),
		})
		total += info.Size()
	}

	if maxSize <= 0 || total <= maxSize {
		return removed, total
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].modTime.Before(survivors[j].modTime)
	})
	target := maxSize / 2
	for _, ent := range survivors {
		if total < target {
			break
		}
		_ = os.Remove(ent.path)
		removed++
		total -= ent.size
	}
	return removed, total
}
