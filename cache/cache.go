// Package cache provides a two-tier store for fetched image blobs.
//
// The fast tier is a cost-bounded in-memory LRU; the durable tier is a
// directory of files named by a deterministic hash of the resource key.
// All disk I/O, including the eviction sweeps, runs on a single serial
// queue, so no two disk operations ever race.
//
// Disk failures are deliberately swallowed: a failed write does not fail a
// Store whose memory insert succeeded, and a failed read is a miss. Caching
// here is opportunistic.
package cache

import (
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirofel/imgcache/internal/queue"
)

// Tier identifies where a queried blob came from.
type Tier int

const (
	// TierNone means the blob was not cached (or was freshly fetched).
	TierNone Tier = iota
	// TierDisk means the blob was read from the durable tier.
	TierDisk
	// TierMemory means the blob was served from the fast tier.
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDisk:
		return "disk"
	case TierMemory:
		return "memory"
	default:
		return "none"
	}
}

// DefaultMaxDiskAge is how long a disk entry survives without being rewritten.
const DefaultMaxDiskAge = 7 * 24 * time.Hour

// Config bounds the two tiers. Zero values mean unbounded, except MaxDiskAge
// which defaults to DefaultMaxDiskAge.
type Config struct {
	MaxMemoryCost  int
	MaxMemoryCount int
	MaxDiskAge     time.Duration
	MaxDiskSize    int64
	MemoryOnly     bool
}

// Cache composes the memory and disk tiers.
type Cache struct {
	cfg       Config
	noMemory  bool
	mem       *memoryStore
	disk      *diskStore // nil when MemoryOnly
	ioq       *queue.Serial
	logger    *slog.Logger
	auxRoots  []string
	compress  bool
	closed    atomic.Bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithConfig replaces the whole configuration at once.
func WithConfig(cfg Config) Option {
	return func(c *Cache) { c.cfg = cfg }
}

// WithMaxMemoryCost bounds the memory tier's total cost. 0 means unbounded.
func WithMaxMemoryCost(n int) Option {
	return func(c *Cache) { c.cfg.MaxMemoryCost = n }
}

// WithMaxMemoryCount bounds the number of memory tier entries. 0 means unbounded.
func WithMaxMemoryCount(n int) Option {
	return func(c *Cache) { c.cfg.MaxMemoryCount = n }
}

// WithMaxDiskAge sets the age cutoff used by EvictExpired.
func WithMaxDiskAge(d time.Duration) Option {
	return func(c *Cache) { c.cfg.MaxDiskAge = d }
}

// WithMaxDiskSize sets the size bound enforced by EvictExpired's second
// sweep phase. 0 disables the size sweep.
func WithMaxDiskSize(n int64) Option {
	return func(c *Cache) { c.cfg.MaxDiskSize = n }
}

// WithMemoryOnly disables the disk tier entirely.
func WithMemoryOnly() Option {
	return func(c *Cache) { c.cfg.MemoryOnly = true }
}

// WithoutMemoryCache disables the memory tier; queries always go to disk.
func WithoutMemoryCache() Option {
	return func(c *Cache) { c.noMemory = true }
}

// WithAuxiliaryRoot registers a read-only directory searched on primary-root
// misses, in registration order. Useful for bundled or pre-seeded content.
func WithAuxiliaryRoot(dir string) Option {
	return func(c *Cache) { c.auxRoots = append(c.auxRoots, dir) }
}

// WithCompression stores disk entries zstd-compressed. Existing plain entries
// remain readable.
func WithCompression() Option {
	return func(c *Cache) { c.compress = true }
}

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a two-tier cache rooted at dir. dir may be empty only when the
// cache is memory-only.
func New(dir string, opts ...Option) (*Cache, error) {
	c := &Cache{
		cfg:    Config{MaxDiskAge: DefaultMaxDiskAge},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(c)
	}
	if c.cfg.MaxDiskAge == 0 {
		c.cfg.MaxDiskAge = DefaultMaxDiskAge
	}

	c.mem = newMemoryStore(c.cfg.MaxMemoryCost, c.cfg.MaxMemoryCount)

	if !c.cfg.MemoryOnly {
		if dir == "" {
			return nil, errors.New("cache dir is empty")
		}
		disk, err := newDiskStore(dir, c.auxRoots, c.compress)
		if err != nil {
			return nil, err
		}
		c.disk = disk
		c.ioq = queue.NewSerial()
	}
	return c, nil
}

// Close shuts down the disk queue after draining pending work.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.ioq != nil {
		c.ioq.Close()
	}
}

// Store inserts the blob into the memory tier synchronously and, when toDisk
// is set and a disk tier exists, enqueues the durable write. done (optional)
// fires after the disk write completes, or immediately when no disk write is
// involved. cost approximates the decoded in-memory footprint; pass 0 to use
// the byte length.
func (c *Cache) Store(key string, data []byte, cost int, toDisk bool, done func()) {
	if key == "" || data == nil {
		if done != nil {
			done()
		}
		return
	}
	if !c.noMemory {
		c.mem.set(key, data, cost)
	}
	if !toDisk || c.disk == nil {
		if done != nil {
			done()
		}
		return
	}
	c.ioq.Async(func() {
		if err := c.disk.write(key, data); err != nil {
			c.logger.Debug("disk write failed", "key", key, "error", err)
		}
		if done != nil {
			done()
		}
	})
}

// QueryOp cancels delivery of a pending disk query callback. Canceling does
// not abort the disk read itself; it only suppresses the callback.
type QueryOp struct {
	canceled atomic.Bool
}

// Cancel suppresses the query's callback if it has not fired yet.
func (op *QueryOp) Cancel() {
	op.canceled.Store(true)
}

// Query looks the key up in both tiers. On a memory hit, done runs
// synchronously with TierMemory and Query returns nil. Otherwise the disk
// tier is consulted on the serial queue; a hit repopulates the memory tier
// and done runs with TierDisk, a miss runs done with TierNone.
func (c *Cache) Query(key string, done func(data []byte, tier Tier)) *QueryOp {
	if done == nil {
		return nil
	}
	if key == "" {
		done(nil, TierNone)
		return nil
	}
	if !c.noMemory {
		if data, ok := c.mem.get(key); ok {
			done(data, TierMemory)
			return nil
		}
	}
	if c.disk == nil {
		done(nil, TierNone)
		return nil
	}

	op := &QueryOp{}
	c.ioq.Async(func() {
		if op.canceled.Load() {
			return
		}
		data, ok := c.disk.read(key)
		if ok && !c.noMemory {
			c.mem.set(key, data, 0)
		}
		if op.canceled.Load() {
			return
		}
		if ok {
			done(data, TierDisk)
		} else {
			done(nil, TierNone)
		}
	})
	return op
}

// Get is the synchronous memory-only fast path.
func (c *Cache) Get(key string) ([]byte, bool) {
	if c.noMemory {
		return nil, false
	}
	return c.mem.get(key)
}

// Contains reports whether the key is present in the memory tier.
func (c *Cache) Contains(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// ContainsOnDisk reports whether the key is present in the disk tier. It
// blocks on the serial queue.
func (c *Cache) ContainsOnDisk(key string) bool {
	if c.disk == nil {
		return false
	}
	var ok bool
	c.ioq.Sync(func() {
		ok = c.disk.contains(key)
	})
	return ok
}

// Remove drops the key from the memory tier and, when fromDisk is set, from
// the disk tier. done (optional) fires after the disk removal.
func (c *Cache) Remove(key string, fromDisk bool, done func()) {
	c.mem.remove(key)
	if !fromDisk || c.disk == nil {
		if done != nil {
			done()
		}
		return
	}
	c.ioq.Async(func() {
		c.disk.remove(key)
		if done != nil {
			done()
		}
	})
}

// EvictExpired runs the two-phase disk sweep: the age pass removes entries
// older than MaxDiskAge, then the size pass trims oldest-first to half of
// MaxDiskSize. done (optional) fires after both phases complete.
func (c *Cache) EvictExpired(done func()) {
	if c.disk == nil {
		if done != nil {
			done()
		}
		return
	}
	c.ioq.Async(func() {
		removed, remaining := c.disk.sweep(c.cfg.MaxDiskAge, c.cfg.MaxDiskSize)
		c.logger.Debug("disk sweep complete", "removed", removed, "remaining_bytes", remaining)
		if done != nil {
			done()
		}
	})
}

// ClearMemory drops every memory tier entry.
func (c *Cache) ClearMemory() {
	c.mem.removeAll()
}

// HandleMemoryPressure responds to a low-memory signal with a full clear of
// the memory tier. Full invalidation, not a partial trim: the simplest policy
// that is guaranteed to help under pressure.
func (c *Cache) HandleMemoryPressure() {
	c.ClearMemory()
}

// ClearDisk removes every disk tier entry. done (optional) fires afterwards.
func (c *Cache) ClearDisk(done func()) {
	if c.disk == nil {
		if done != nil {
			done()
		}
		return
	}
	c.ioq.Async(func() {
		c.disk.clear()
		if done != nil {
			done()
		}
	})
}

// DiskSize reports the total bytes under the primary disk root. It blocks on
// the serial queue.
func (c *Cache) DiskSize() int64 {
	if c.disk == nil {
		return 0
	}
	var n int64
	c.ioq.Sync(func() {
		n = c.disk.size()
	})
	return n
}

// DiskCount reports the number of entries under the primary disk root. It
// blocks on the serial queue.
func (c *Cache) DiskCount() int {
	if c.disk == nil {
		return 0
	}
	var n int
	c.ioq.Sync(func() {
		n = c.disk.count()
	})
	return n
}

// MemoryCost reports the memory tier's current total cost.
func (c *Cache) MemoryCost() int {
	return c.mem.cost()
}

// MemoryCount reports the number of memory tier entries.
func (c *Cache) MemoryCount() int {
	return c.mem.len()
}
