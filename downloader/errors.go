package downloader

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned when a download URL is empty or unparseable.
	ErrInvalidURL = errors.New("downloader: invalid url")

	// ErrCanceled is delivered to a subscriber whose fetch was canceled. It is
	// subscriber-scoped: other subscribers of the same key are unaffected.
	ErrCanceled = errors.New("downloader: canceled")

	// ErrEmptyPayload is delivered when a fetch completes with zero bytes.
	ErrEmptyPayload = errors.New("downloader: empty payload")
)

// TransportError reports an HTTP status or connection level failure.
type TransportError struct {
	// Status is the HTTP status code, or 0 for connection-level failures.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("downloader: unexpected status %d", e.Status)
	}
	return fmt.Sprintf("downloader: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
