// Package imgcache fetches remote images over HTTP and caches them in two
// tiers: a cost-bounded in-memory store and a durable on-disk store.
//
// Concurrent resolves of the same URL coalesce into a single transport
// request, so many call sites referencing the same resource (for example,
// many on-screen widgets showing one avatar) cost one network fetch.
//
// # Quick Start
//
// Resolve a URL through the default manager:
//
//	op, err := imgcache.Default().Resolve(url, imgcache.ResolveOptions{}, nil,
//	    func(res imgcache.Result, err error) {
//	        if err != nil {
//	            return
//	        }
//	        render(res.Data) // res.Tier reports memory/disk/network origin
//	    })
//
// Cancel it if the caller loses interest:
//
//	op.Cancel()
//
// # Durable caching
//
// The default manager caches in memory only. Give it a directory for the
// disk tier:
//
//	m, err := imgcache.New(
//	    imgcache.WithCacheDir("/var/cache/thumbs",
//	        cache.WithMaxDiskSize(512<<20),
//	        cache.WithMaxDiskAge(7*24*time.Hour),
//	    ),
//	)
//
// Run cache.EvictExpired periodically (and on shutdown) to enforce the age
// and size bounds.
//
// # Composition
//
// The Manager composes two independently usable pieces: the downloader
// subpackage (coalescing fetch engine) and the cache subpackage (two-tier
// store). Pluggable behavior such as cache key derivation, fetch gating, and
// post-fetch transforms is injected through options at construction.
package imgcache
