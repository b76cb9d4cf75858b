package imgcache

import (
	"errors"
	"fmt"

	"github.com/mirofel/imgcache/downloader"
)

// Errors re-exported from downloader.
var (
	// ErrInvalidURL is returned when a resolve URL is empty or unparseable.
	ErrInvalidURL = downloader.ErrInvalidURL

	// ErrCanceled is delivered to a subscriber whose resolve was canceled.
	ErrCanceled = downloader.ErrCanceled

	// ErrEmptyPayload is delivered when a fetch completed with zero bytes.
	ErrEmptyPayload = downloader.ErrEmptyPayload
)

// ErrBlacklisted is delivered when a URL's last fetch failed and the resolve
// did not set RetryFailed.
var ErrBlacklisted = errors.New("imgcache: url previously failed")

// TransportError reports an HTTP status or connection level failure.
type TransportError = downloader.TransportError

// DecodeError reports that fetched bytes could not be decoded, or decoded to
// an image with zero extent.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("imgcache: decode: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// errZeroExtent is the cause used when a decode succeeds but reports no pixels.
var errZeroExtent = errors.New("decoded image has zero extent")

// errNilTransform is the cause used when a post-fetch transform returns nil.
var errNilTransform = errors.New("transform returned no data")
