package imgcache

import (
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/mirofel/imgcache/cache"
	"github.com/mirofel/imgcache/downloader"
)

// Tier identifies where a resolved blob came from: TierNone (freshly
// fetched), TierDisk, or TierMemory.
type Tier = cache.Tier

// Tiers re-exported from cache.
const (
	TierNone   = cache.TierNone
	TierDisk   = cache.TierDisk
	TierMemory = cache.TierMemory
)

// ProgressFunc receives byte counts as a fetch advances.
type ProgressFunc = downloader.ProgressFunc

// Result is one delivery of a resolve.
type Result struct {
	// Data is the blob, nil for declined resolves.
	Data []byte
	// Tier reports where Data came from; TierNone means freshly fetched.
	Tier Tier
	// URL is the identifier the resolve was called with.
	URL string
	// Finished is false only for intermediate progressive deliveries and for
	// the cached delivery preceding a RefreshCached network result.
	Finished bool
}

// CompletionFunc receives resolve results. With RefreshCached or Progressive
// it can fire more than once; the terminal delivery has Finished=true.
type CompletionFunc func(res Result, err error)

// Manager is the single public entry point: it composes the two-tier cache
// and the download coordinator into one resolve-or-fetch operation.
//
// All methods are safe to call from any goroutine. Callbacks run on internal
// goroutines; callers needing a particular execution context must hop
// themselves.
type Manager struct {
	cache        *cache.Cache
	dl           *downloader.Downloader
	keyFilter    func(url string) string
	shouldFetch  func(url string) bool
	transform    func(url string, data []byte) []byte
	decoder      Decoder
	decoderSet   bool
	blacklistOff bool
	logger       *slog.Logger

	failedMu sync.Mutex
	failed   map[string]struct{}

	opsMu sync.Mutex
	ops   map[*Operation]struct{}
}

// New creates a Manager. Without options it uses a memory-only cache and a
// default downloader; use WithCacheDir (or WithCache) for durable caching.
func New(opts ...Option) (*Manager, error) {
	m := &Manager{
		failed: make(map[string]struct{}),
		ops:    make(map[*Operation]struct{}),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	if m.cache == nil {
		c, err := cache.New("", cache.WithMemoryOnly())
		if err != nil {
			return nil, err
		}
		m.cache = c
	}
	if m.dl == nil {
		m.dl = downloader.New()
	}
	if !m.decoderSet {
		m.decoder = DefaultDecoder
	}
	return m, nil
}

// Cache returns the underlying two-tier cache.
func (m *Manager) Cache() *cache.Cache {
	return m.cache
}

// Downloader returns the underlying download coordinator.
func (m *Manager) Downloader() *downloader.Downloader {
	return m.dl
}

// CacheKeyFor derives the cache key for a URL via the configured key filter.
func (m *Manager) CacheKeyFor(url string) string {
	if m.keyFilter != nil {
		return m.keyFilter(url)
	}
	return url
}

// Operation is the caller's handle on one outstanding resolve.
type Operation struct {
	m   *Manager
	url string

	mu       sync.Mutex
	canceled bool
	done     bool
	query    *cache.QueryOp
	token    *downloader.Token
}

// Cancel stops the resolve. The cache query callback is suppressed and this
// resolve's download subscription is removed; the transport request itself
// is canceled only if no other resolve still needs it. No further callbacks
// are delivered.
func (o *Operation) Cancel() {
	o.mu.Lock()
	if o.done || o.canceled {
		o.mu.Unlock()
		return
	}
	o.canceled = true
	query, token := o.query, o.token
	o.mu.Unlock()

	if query != nil {
		query.Cancel()
	}
	if token != nil {
		o.m.dl.Cancel(token)
	}
	o.m.finishOp(o)
}

func (o *Operation) isCanceled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canceled
}

func (o *Operation) setQuery(q *cache.QueryOp) {
	o.mu.Lock()
	o.query = q
	o.mu.Unlock()
}

func (o *Operation) setToken(t *downloader.Token) {
	o.mu.Lock()
	o.token = t
	o.mu.Unlock()
}

// Resolve serves the URL from cache when possible and fetches it otherwise.
// Concurrent resolves of the same key share one transport request.
//
// Delivery rules: a cache hit completes with the cached blob and its tier;
// with RefreshCached the network result triggers a second delivery. A miss
// declined by the should-fetch predicate completes with an empty Result and
// nil error. A fetch failure (unless canceled) records the key in the
// failure blacklist when blacklisting is enabled.
func (m *Manager) Resolve(url string, opts ResolveOptions, progress ProgressFunc, completion CompletionFunc) (*Operation, error) {
	if url == "" {
		return nil, ErrInvalidURL
	}
	if completion == nil {
		completion = func(Result, error) {}
	}
	key := m.CacheKeyFor(url)

	if opts.RetryFailed {
		m.clearFailed(key)
	} else if m.isFailed(key) {
		m.logger.Debug("resolve short-circuited by blacklist", "url", url)
		completion(Result{URL: url, Finished: true}, ErrBlacklisted)
		return &Operation{m: m, url: url, done: true}, nil
	}

	op := &Operation{m: m, url: url}
	m.opsMu.Lock()
	m.ops[op] = struct{}{}
	m.opsMu.Unlock()

	query := m.cache.Query(key, func(data []byte, tier Tier) {
		if op.isCanceled() {
			m.finishOp(op)
			return
		}
		if data != nil {
			completion(Result{Data: data, Tier: tier, URL: url, Finished: !opts.RefreshCached}, nil)
			if !opts.RefreshCached {
				m.finishOp(op)
				return
			}
		}
		if m.shouldFetch != nil && !m.shouldFetch(url) {
			// Declined: empty success, not an error.
			completion(Result{URL: url, Finished: true}, nil)
			m.finishOp(op)
			return
		}
		m.startDownload(op, url, key, data, tier, opts, progress, completion)
	})
	op.setQuery(query)
	return op, nil
}

func (m *Manager) startDownload(op *Operation, url, key string, cachedData []byte, cachedTier Tier,
	opts ResolveOptions, progress ProgressFunc, completion CompletionFunc) {
	reqOpts := downloader.RequestOptions{
		Priority:             opts.priority(),
		Progressive:          opts.Progressive,
		ContinueInBackground: opts.ContinueInBackground,
	}

	token, err := m.dl.Download(url, reqOpts, progress, func(data []byte, err error, finished bool) {
		if op.isCanceled() {
			if finished {
				m.finishOp(op)
			}
			return
		}
		switch {
		case err != nil:
			m.recordFailure(key, err)
			completion(Result{URL: url, Finished: true}, err)
			m.finishOp(op)

		case !finished:
			// Intermediate progressive result.
			completion(Result{Data: data, Tier: TierNone, URL: url}, nil)

		case data == nil:
			// Not-modified revalidation: the cache, not the transport,
			// supplies the bytes.
			completion(Result{Data: cachedData, Tier: cachedTier, URL: url, Finished: true}, nil)
			m.finishOp(op)

		default:
			m.completeFetch(op, url, key, data, opts, completion)
		}
	})
	if err != nil {
		completion(Result{URL: url, Finished: true}, err)
		m.finishOp(op)
		return
	}
	op.setToken(token)
}

// completeFetch validates, transforms, stores, and delivers a fresh payload.
func (m *Manager) completeFetch(op *Operation, url, key string, data []byte, opts ResolveOptions, completion CompletionFunc) {
	if m.decoder != nil {
		w, h, err := m.decoder.Config(data)
		if err == nil && (w <= 0 || h <= 0) {
			err = errZeroExtent
		}
		if err != nil {
			derr := &DecodeError{Err: err}
			m.recordFailure(key, derr)
			completion(Result{URL: url, Finished: true}, derr)
			m.finishOp(op)
			return
		}
	}

	if m.transform != nil {
		data = m.transform(url, data)
		if data == nil {
			derr := &DecodeError{Err: errNilTransform}
			m.recordFailure(key, derr)
			completion(Result{URL: url, Finished: true}, derr)
			m.finishOp(op)
			return
		}
	}

	m.cache.Store(key, data, decodedCost(m.decoder, data), !opts.CacheMemoryOnly, nil)
	completion(Result{Data: data, Tier: TierNone, URL: url, Finished: true}, nil)
	m.finishOp(op)
}

// CancelAll cancels every outstanding resolve.
func (m *Manager) CancelAll() {
	m.opsMu.Lock()
	ops := make([]*Operation, 0, len(m.ops))
	for op := range m.ops {
		ops = append(ops, op)
	}
	m.opsMu.Unlock()
	for _, op := range ops {
		op.Cancel()
	}
}

// IsBusy reports whether any resolve is outstanding.
func (m *Manager) IsBusy() bool {
	m.opsMu.Lock()
	defer m.opsMu.Unlock()
	return len(m.ops) > 0
}

func (m *Manager) finishOp(op *Operation) {
	op.mu.Lock()
	op.done = true
	op.mu.Unlock()
	m.opsMu.Lock()
	delete(m.ops, op)
	m.opsMu.Unlock()
}

// recordFailure adds the key to the failure blacklist unless the error was a
// cancellation or blacklisting is disabled.
func (m *Manager) recordFailure(key string, err error) {
	if m.blacklistOff || err == nil || errors.Is(err, ErrCanceled) {
		return
	}
	m.failedMu.Lock()
	m.failed[key] = struct{}{}
	m.failedMu.Unlock()
	m.logger.Debug("url blacklisted after failure", "key", key, "error", err)
}

func (m *Manager) isFailed(key string) bool {
	if m.blacklistOff {
		return false
	}
	m.failedMu.Lock()
	defer m.failedMu.Unlock()
	_, ok := m.failed[key]
	return ok
}

func (m *Manager) clearFailed(key string) {
	m.failedMu.Lock()
	delete(m.failed, key)
	m.failedMu.Unlock()
}

var defaultManager struct {
	once sync.Once
	m    *Manager
}

// Default returns a process-wide Manager with the default configuration.
// Applications that want custom wiring should construct their own Manager at
// the composition root instead.
func Default() *Manager {
	defaultManager.once.Do(func() {
		m, err := New()
		if err != nil {
			// New cannot fail without options; keep the invariant visible.
			panic(err)
		}
		defaultManager.m = m
	})
	return defaultManager.m
}
