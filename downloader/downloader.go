// Package downloader fetches remote resources over HTTP with per-URL request
// coalescing, bounded parallelism, and subscriber-level cancellation.
//
// Concurrent downloads of the same URL share one transport request: every
// caller becomes a subscriber of the single in-flight fetch and receives its
// progress and terminal result. Canceling one subscriber never aborts work
// still needed by another; only the last unsubscribe cancels the transport.
package downloader

import (
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ProgressFunc receives byte counts as a download advances. expected is -1
// when the server did not announce a content length.
type ProgressFunc func(received, expected int64)

// CompletionFunc receives the terminal result of a download. finished is
// false only for intermediate progressive-decode deliveries; the terminal
// call always has finished=true and fires exactly once per subscriber.
type CompletionFunc func(data []byte, err error, finished bool)

// IncrementalDecoder is consulted on each received chunk of a progressive
// download. It reports whether the bytes so far form a renderable partial
// result worth delivering.
type IncrementalDecoder interface {
	Incremental(data []byte, finished bool) bool
}

// Token identifies one subscriber of an in-flight download. It is the only
// handle a caller retains for cancellation.
type Token struct {
	url string
	id  uuid.UUID
}

// URL returns the URL this token subscribes to.
func (t *Token) URL() string {
	return t.url
}

// Downloader coordinates concurrent downloads.
type Downloader struct {
	client       *http.Client
	timeout      time.Duration
	order        ExecutionOrder
	headerFilter func(url string, headers http.Header) http.Header
	limiter      *rate.Limiter
	incremental  IncrementalDecoder
	logger       *slog.Logger
	username     string
	password     string
	insecureTLS  bool

	mu            sync.Mutex
	headers       http.Header
	ops           map[string]*operation
	pending       []*operation
	running       int
	maxConcurrent int
	suspended     bool
	seq           uint64
}

// New creates a Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		timeout:       DefaultTimeout,
		maxConcurrent: DefaultMaxConcurrent,
		headers:       make(http.Header),
		ops:           make(map[string]*operation),
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	d.headers.Set("Accept", "image/*;q=0.8")
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(d)
	}
	if d.client == nil {
		if d.insecureTLS {
			d.client = insecureClient(0)
		} else {
			d.client = &http.Client{}
		}
	}
	return d
}

// Download fetches the URL, coalescing with any in-flight fetch of the same
// URL. progress and completion may be nil. The returned token cancels only
// this subscription.
//
// Callbacks run on the downloader's worker goroutines; callers needing a
// particular execution context must hop themselves.
func (d *Downloader) Download(rawURL string, opts RequestOptions, progress ProgressFunc, completion CompletionFunc) (*Token, error) {
	if rawURL == "" {
		return nil, ErrInvalidURL
	}
	if u, err := url.Parse(rawURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, ErrInvalidURL
	}

	sub := &subscriber{
		id:         uuid.New(),
		progress:   progress,
		completion: completion,
	}

	d.mu.Lock()
	if op, ok := d.ops[rawURL]; ok && op.addSubscriber(sub, opts) {
		d.mu.Unlock()
		d.logger.Debug("download coalesced", "url", rawURL)
		return &Token{url: rawURL, id: sub.id}, nil
	}

	op := newOperation(d, rawURL, opts)
	op.addSubscriber(sub, opts)
	d.seq++
	op.seq = d.seq
	d.ops[rawURL] = op
	d.pending = append(d.pending, op)
	d.admitLocked()
	d.mu.Unlock()

	return &Token{url: rawURL, id: sub.id}, nil
}

// Cancel removes the token's subscriber from its in-flight fetch. When the
// subscriber set becomes empty the transport request is canceled; Cancel
// reports whether that happened. A canceled subscriber receives no further
// callbacks.
func (d *Downloader) Cancel(t *Token) bool {
	if t == nil {
		return false
	}
	d.mu.Lock()
	op, ok := d.ops[t.url]
	if !ok {
		d.mu.Unlock()
		return false
	}
	removed, empty := op.removeSubscriber(t.id)
	if !removed || !empty {
		d.mu.Unlock()
		return false
	}
	delete(d.ops, t.url)
	wasPending := d.removePendingLocked(op)
	d.mu.Unlock()

	op.abandon(wasPending)
	d.logger.Debug("download canceled", "url", t.url)
	return true
}

// CancelAll force-cancels every in-flight and pending download. Subscribers
// receive ErrCanceled.
func (d *Downloader) CancelAll() {
	d.cancelMatching(func(*operation) bool { return true })
}

// ProcessSuspending responds to a process-suspending signal: downloads whose
// requests did not opt into background continuation are force-canceled.
func (d *Downloader) ProcessSuspending() {
	d.cancelMatching(func(op *operation) bool { return !op.background() })
}

// BackgroundBudgetExpired responds to the expiry of the background time
// budget: every remaining download is force-canceled as if the client had
// canceled it.
func (d *Downloader) BackgroundBudgetExpired() {
	d.CancelAll()
}

// SetSuspended stops (or resumes) admission of new downloads into the worker
// pool. In-flight downloads are unaffected.
func (d *Downloader) SetSuspended(suspended bool) {
	d.mu.Lock()
	d.suspended = suspended
	if !suspended {
		d.admitLocked()
	}
	d.mu.Unlock()
}

// SetMaxConcurrent adjusts the pool bound at runtime.
func (d *Downloader) SetMaxConcurrent(n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	d.maxConcurrent = n
	d.admitLocked()
	d.mu.Unlock()
}

// SetHeader sets (or, with an empty value, removes) a header sent with every
// subsequent request.
func (d *Downloader) SetHeader(key, value string) {
	d.mu.Lock()
	if value == "" {
		d.headers.Del(key)
	} else {
		d.headers.Set(key, value)
	}
	d.mu.Unlock()
}

// CurrentDownloadCount reports the number of in-flight and pending downloads.
func (d *Downloader) CurrentDownloadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ops)
}

// requestHeaders assembles the headers for one request.
func (d *Downloader) requestHeaders(rawURL string, extra http.Header) http.Header {
	d.mu.Lock()
	headers := d.headers.Clone()
	d.mu.Unlock()
	for key, values := range extra {
		for _, value := range values {
			headers.Set(key, value)
		}
	}
	if d.headerFilter != nil {
		headers = d.headerFilter(rawURL, headers)
	}
	return headers
}

func (d *Downloader) cancelMatching(match func(*operation) bool) {
	d.mu.Lock()
	var abandoned, running []*operation
	for key, op := range d.ops {
		if !match(op) {
			continue
		}
		if d.removePendingLocked(op) {
			delete(d.ops, key)
			abandoned = append(abandoned, op)
		} else {
			running = append(running, op)
		}
	}
	d.mu.Unlock()

	// Pending operations never started; deliver cancellation directly.
	// Running ones observe their context and finish through the normal path.
	for _, op := range abandoned {
		op.finish(nil, ErrCanceled)
	}
	for _, op := range running {
		op.cancel()
	}
}

// admitLocked starts pending operations while the pool has capacity.
// Callers must hold d.mu. Pending/running transitions only happen under
// d.mu, which keeps the admission order decision race-free.
func (d *Downloader) admitLocked() {
	for !d.suspended && d.running < d.maxConcurrent {
		i := d.nextPendingLocked()
		if i < 0 {
			return
		}
		op := d.pending[i]
		d.pending = append(d.pending[:i], d.pending[i+1:]...)
		op.markRunning()
		d.running++
		go d.runOperation(op)
	}
}

// nextPendingLocked picks the next operation to admit: highest priority
// first, then arrival order per the execution mode (FIFO oldest, LIFO
// newest). Returns -1 when nothing is pending.
func (d *Downloader) nextPendingLocked() int {
	best := -1
	for i, op := range d.pending {
		if best == -1 {
			best = i
			continue
		}
		cur := d.pending[best]
		switch {
		case rank(op.priority) > rank(cur.priority):
			best = i
		case rank(op.priority) < rank(cur.priority):
		case d.order == LIFO && op.seq > cur.seq:
			best = i
		case d.order == FIFO && op.seq < cur.seq:
			best = i
		}
	}
	return best
}

func rank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

func (d *Downloader) removePendingLocked(op *operation) bool {
	for i, p := range d.pending {
		if p == op {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (d *Downloader) runOperation(op *operation) {
	defer func() {
		d.mu.Lock()
		d.running--
		d.admitLocked()
		d.mu.Unlock()
	}()
	if d.limiter != nil {
		if err := d.limiter.Wait(op.ctx); err != nil {
			op.finish(nil, ErrCanceled)
			return
		}
	}
	op.run()
}

func (d *Downloader) removeOp(op *operation) {
	d.mu.Lock()
	if cur, ok := d.ops[op.url]; ok && cur == op {
		delete(d.ops, op.url)
	}
	d.mu.Unlock()
}
