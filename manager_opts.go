package imgcache

import (
	"log/slog"

	"github.com/mirofel/imgcache/cache"
	"github.com/mirofel/imgcache/downloader"
)

// Option configures a Manager.
type Option func(*Manager) error

// WithCache replaces the default memory-only cache.
func WithCache(c *cache.Cache) Option {
	return func(m *Manager) error {
		if c != nil {
			m.cache = c
		}
		return nil
	}
}

// WithCacheDir replaces the default memory-only cache with a two-tier cache
// rooted at dir.
func WithCacheDir(dir string, opts ...cache.Option) Option {
	return func(m *Manager) error {
		c, err := cache.New(dir, opts...)
		if err != nil {
			return err
		}
		m.cache = c
		return nil
	}
}

// WithDownloader replaces the default downloader.
func WithDownloader(d *downloader.Downloader) Option {
	return func(m *Manager) error {
		if d != nil {
			m.dl = d
		}
		return nil
	}
}

// WithCacheKeyFilter sets the function deriving a cache key from a URL.
// The default uses the URL string unchanged.
func WithCacheKeyFilter(filter func(url string) string) Option {
	return func(m *Manager) error {
		m.keyFilter = filter
		return nil
	}
}

// WithShouldFetch installs a predicate consulted before issuing a network
// fetch on a cache miss. Returning false completes the resolve with an empty
// result and no error.
func WithShouldFetch(pred func(url string) bool) Option {
	return func(m *Manager) error {
		m.shouldFetch = pred
		return nil
	}
}

// WithTransform installs a post-fetch transform applied to downloaded bytes
// before they are cached and delivered. Returning nil fails the resolve with
// a DecodeError.
func WithTransform(transform func(url string, data []byte) []byte) Option {
	return func(m *Manager) error {
		m.transform = transform
		return nil
	}
}

// WithDecoder sets the dimension-probing collaborator. Pass nil to disable
// decode validation and dimension-based cost accounting.
func WithDecoder(dec Decoder) Option {
	return func(m *Manager) error {
		m.decoder = dec
		m.decoderSet = true
		return nil
	}
}

// WithoutFailureBlacklist disables recording failed URLs. By default a URL
// whose fetch failed is not fetched again unless the resolve sets RetryFailed.
func WithoutFailureBlacklist() Option {
	return func(m *Manager) error {
		m.blacklistOff = true
		return nil
	}
}

// WithLogger sets the logger used by the Manager. Defaults to a discarding
// logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// ResolveOptions configures a single Resolve call.
type ResolveOptions struct {
	// RetryFailed clears the URL from the failure blacklist and fetches even
	// if its last fetch failed.
	RetryFailed bool

	// HighPriority biases the fetch to the front of the pending admission
	// order; LowPriority to the back. HighPriority wins when both are set.
	HighPriority bool
	LowPriority  bool

	// CacheMemoryOnly stores the fetched blob in the memory tier only.
	CacheMemoryOnly bool

	// Progressive delivers intermediate results as bytes arrive, when the
	// downloader has an incremental decoder.
	Progressive bool

	// RefreshCached delivers the cached blob immediately, then fetches
	// anyway; the network result triggers a second completion delivery.
	RefreshCached bool

	// ContinueInBackground keeps the fetch running after a process-suspend
	// signal until the background budget expires.
	ContinueInBackground bool
}

func (o ResolveOptions) priority() downloader.Priority {
	switch {
	case o.HighPriority:
		return downloader.PriorityHigh
	case o.LowPriority:
		return downloader.PriorityLow
	default:
		return downloader.PriorityNormal
	}
}
