package downloader

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const readChunkSize = 16 << 10

type opState int

const (
	statePending opState = iota
	stateRunning
	stateDone
)

// subscriber is one caller of Download, identified by its token id. The
// subscriber set jointly owns the operation: the set becoming empty is the
// destruction trigger for the transport request.
type subscriber struct {
	id         uuid.UUID
	progress   ProgressFunc
	completion CompletionFunc
}

// operation is the shared state of one in-flight fetch. At most one
// operation exists per URL at any instant; the downloader's registry mutex
// guarantees it.
type operation struct {
	d      *Downloader
	url    string
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc

	priority     Priority
	extraHeaders http.Header

	mu          sync.Mutex
	subs        []*subscriber
	state       opState
	progressive bool
	bg          bool
}

func newOperation(d *Downloader, url string, opts RequestOptions) *operation {
	ctx, cancel := context.WithCancel(context.Background())
	return &operation{
		d:            d,
		url:          url,
		ctx:          ctx,
		cancel:       cancel,
		priority:     opts.Priority,
		extraHeaders: opts.Headers,
	}
}

// addSubscriber appends the subscriber unless the operation already reached
// its terminal state. Progressive and background flags accumulate: any
// subscriber opting in enables them for the whole fetch.
func (op *operation) addSubscriber(sub *subscriber, opts RequestOptions) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == stateDone {
		return false
	}
	op.subs = append(op.subs, sub)
	op.progressive = op.progressive || opts.Progressive
	op.bg = op.bg || opts.ContinueInBackground
	return true
}

// removeSubscriber drops the matching subscriber. It reports whether a
// subscriber was removed and whether the set is now empty.
func (op *operation) removeSubscriber(id uuid.UUID) (removed, empty bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.state == stateDone {
		return false, false
	}
	for i, sub := range op.subs {
		if sub.id == id {
			op.subs = append(op.subs[:i], op.subs[i+1:]...)
			return true, len(op.subs) == 0
		}
	}
	return false, false
}

func (op *operation) markRunning() {
	op.mu.Lock()
	op.state = stateRunning
	op.mu.Unlock()
}

func (op *operation) background() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.bg
}

// abandon tears the operation down after its last subscriber unsubscribed.
// A pending operation will never run, so it is finished here; a running one
// observes its canceled context and finishes through run.
func (op *operation) abandon(wasPending bool) {
	op.cancel()
	if wasPending {
		op.mu.Lock()
		op.state = stateDone
		op.subs = nil
		op.mu.Unlock()
	}
}

// finish delivers the terminal result to every current subscriber exactly
// once and deregisters the operation.
func (op *operation) finish(data []byte, err error) {
	op.mu.Lock()
	if op.state == stateDone {
		op.mu.Unlock()
		return
	}
	op.state = stateDone
	subs := op.subs
	op.subs = nil
	op.mu.Unlock()

	op.d.removeOp(op)
	op.cancel()
	for _, sub := range subs {
		if sub.completion != nil {
			sub.completion(data, err, true)
		}
	}
}

func (op *operation) snapshot() []*subscriber {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]*subscriber(nil), op.subs...)
}

func (op *operation) emitProgress(received, expected int64) {
	for _, sub := range op.snapshot() {
		if sub.progress != nil {
			sub.progress(received, expected)
		}
	}
}

// emitIntermediate delivers a partial progressive result. This is the one
// case where a subscriber's completion callback fires more than once before
// terminal completion.
func (op *operation) emitIntermediate(data []byte) {
	for _, sub := range op.snapshot() {
		if sub.completion != nil {
			sub.completion(data, nil, false)
		}
	}
}

func (op *operation) wantsProgressive() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.progressive
}

// run executes the transport request and streams the body, fanning progress
// out to all current subscribers.
func (op *operation) run() {
	d := op.d

	ctx, cancel := context.WithTimeout(op.ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, op.url, nil)
	if err != nil {
		op.finish(nil, ErrInvalidURL)
		return
	}
	req.Header = d.requestHeaders(op.url, op.extraHeaders)
	if d.username != "" || d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		op.finish(nil, op.classify(err))
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		// Not modified: stop the transfer and complete with an empty
		// payload. The cache layer supplies the previously stored bytes.
		op.finish(nil, nil)
		return
	case resp.StatusCode >= http.StatusBadRequest:
		op.finish(nil, &TransportError{Status: resp.StatusCode})
		return
	}

	expected := resp.ContentLength
	op.emitProgress(0, expected)

	var buf []byte
	if expected > 0 {
		buf = make([]byte, 0, expected)
	}
	chunk := make([]byte, readChunkSize)
	progressive := op.wantsProgressive() && d.incremental != nil

	for {
		n, rerr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			op.emitProgress(int64(len(buf)), expected)
			if progressive && d.incremental.Incremental(buf, false) {
				op.emitIntermediate(append([]byte(nil), buf...))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			op.finish(nil, op.classify(rerr))
			return
		}
	}

	if len(buf) == 0 {
		op.finish(nil, ErrEmptyPayload)
		return
	}
	if progressive {
		d.incremental.Incremental(buf, true)
	}
	d.logger.Debug("download complete", "url", op.url, "bytes", len(buf))
	op.finish(buf, nil)
}

// classify maps a transport-layer error to the downloader's error kinds.
func (op *operation) classify(err error) error {
	if op.ctx.Err() != nil {
		return ErrCanceled
	}
	return &TransportError{Err: err}
}
