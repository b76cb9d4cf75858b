package downloader

import (
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Defaults mirror typical client-side image loading behavior.
const (
	DefaultMaxConcurrent = 6
	DefaultTimeout       = 15 * time.Second
)

// ExecutionOrder controls the relative start order of queued downloads.
type ExecutionOrder int

const (
	// FIFO starts downloads in arrival order.
	FIFO ExecutionOrder = iota
	// LIFO starts the most recently requested download first. Pool
	// concurrency still bounds true parallelism; only the admission order
	// inverts.
	LIFO
)

// Priority biases a request's position in the pending admission order,
// independent of the FIFO/LIFO mode.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

// RequestOptions configures a single Download call.
type RequestOptions struct {
	// Priority biases admission order among pending downloads.
	Priority Priority

	// Progressive enables incremental decode attempts on each received
	// chunk, delivering intermediate (unfinished) results through the
	// completion callback. Requires an IncrementalDecoder on the Downloader.
	Progressive bool

	// ContinueInBackground keeps the download running after a
	// process-suspending signal, until the background budget expires.
	ContinueInBackground bool

	// Headers are added to the request after the downloader-level headers.
	Headers http.Header
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithMaxConcurrent bounds the number of downloads running in parallel.
func WithMaxConcurrent(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithExecutionOrder selects FIFO or LIFO admission.
func WithExecutionOrder(order ExecutionOrder) Option {
	return func(d *Downloader) { d.order = order }
}

// WithHTTPClient sets the HTTP client used for transport requests.
func WithHTTPClient(client *http.Client) Option {
	return func(d *Downloader) {
		if client != nil {
			d.client = client
		}
	}
}

// WithTimeout sets the per-download timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) Option {
	return func(d *Downloader) {
		if value == "" {
			d.headers.Del(key)
			return
		}
		d.headers.Set(key, value)
	}
}

// WithHeaderFilter installs a hook that can rewrite the headers of each
// outgoing request. It receives the request URL and the assembled headers and
// returns the headers to send.
func WithHeaderFilter(filter func(url string, headers http.Header) http.Header) Option {
	return func(d *Downloader) { d.headerFilter = filter }
}

// WithBasicAuth sends the given credentials with every request.
func WithBasicAuth(username, password string) Option {
	return func(d *Downloader) {
		d.username = username
		d.password = password
	}
}

// WithInsecureTLS skips certificate verification. Only meaningful when the
// default client is in use.
func WithInsecureTLS() Option {
	return func(d *Downloader) { d.insecureTLS = true }
}

// WithRateLimit throttles download admissions.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(d *Downloader) { d.limiter = rate.NewLimiter(limit, burst) }
}

// WithIncrementalDecoder installs the collaborator used for progressive
// decode attempts.
func WithIncrementalDecoder(dec IncrementalDecoder) Option {
	return func(d *Downloader) { d.incremental = dec }
}

// WithLogger sets the logger. Defaults to a discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func insecureClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in
	return &http.Client{Transport: transport, Timeout: timeout}
}
