package imgcache

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultPrefetchConcurrency bounds parallel prefetch resolves.
const DefaultPrefetchConcurrency = 3

// PrefetchReport summarizes a finished prefetch pass.
type PrefetchReport struct {
	// Fetched counts URLs resolved successfully (from network or cache).
	Fetched int
	// Skipped counts URLs already cached before the pass started.
	Skipped int
	// Failed counts URLs whose resolve delivered an error.
	Failed int
}

// Prefetcher warms the cache with a list of URLs at low priority. It is a
// thin client of the Manager: each URL goes through the same resolve path as
// a normal request, so prefetched entries coalesce with live requests for
// the same key.
type Prefetcher struct {
	m           *Manager
	concurrency int
}

// PrefetchOption configures a Prefetcher.
type PrefetchOption func(*Prefetcher)

// WithPrefetchConcurrency bounds the number of concurrent prefetch resolves.
func WithPrefetchConcurrency(n int) PrefetchOption {
	return func(p *Prefetcher) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// NewPrefetcher creates a Prefetcher on top of the Manager.
func NewPrefetcher(m *Manager, opts ...PrefetchOption) *Prefetcher {
	p := &Prefetcher{
		m:           m,
		concurrency: DefaultPrefetchConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Prefetch resolves every URL, skipping ones already cached. Individual
// failures are counted, not fatal; only context cancellation aborts the
// pass early.
func (p *Prefetcher) Prefetch(ctx context.Context, urls []string) (PrefetchReport, error) {
	var (
		mu     sync.Mutex
		report PrefetchReport
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, url := range urls {
		url := url
		g.Go(func() error {
			key := p.m.CacheKeyFor(url)
			if p.m.Cache().Contains(key) || p.m.Cache().ContainsOnDisk(key) {
				mu.Lock()
				report.Skipped++
				mu.Unlock()
				return nil
			}

			done := make(chan error, 1)
			op, err := p.m.Resolve(url, ResolveOptions{LowPriority: true}, nil, func(res Result, err error) {
				if err != nil || res.Finished {
					select {
					case done <- err:
					default:
					}
				}
			})
			if err != nil {
				mu.Lock()
				report.Failed++
				mu.Unlock()
				return nil
			}

			select {
			case err := <-done:
				mu.Lock()
				if err != nil {
					report.Failed++
				} else {
					report.Fetched++
				}
				mu.Unlock()
				return nil
			case <-ctx.Done():
				op.Cancel()
				return ctx.Err()
			}
		})
	}

	err := g.Wait()
	return report, err
}
