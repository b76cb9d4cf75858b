package imgcache

import (
	"bytes"
	"image"

	// Registered formats for the default decoder's DecodeConfig probe.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/mirofel/imgcache/downloader"
)

// Decoder reports the pixel dimensions of an encoded image. The core uses it
// only to approximate an entry's in-memory cost (width*height*4) and to
// reject zero-extent results; it never inspects pixel data.
type Decoder interface {
	Config(data []byte) (width, height int, err error)
}

// IncrementalDecoder is the progressive-decode collaborator, consulted on
// each received chunk of a progressive download.
type IncrementalDecoder = downloader.IncrementalDecoder

// DefaultDecoder probes dimensions with the standard library's image
// registry (GIF, JPEG, PNG).
var DefaultDecoder Decoder = stdDecoder{}

type stdDecoder struct{}

func (stdDecoder) Config(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// decodedCost approximates the decoded in-memory footprint of the blob.
// Falls back to the byte length when no decoder is configured or the probe
// fails (the store path has already vetted decodability by then).
func decodedCost(dec Decoder, data []byte) int {
	if dec == nil {
		return len(data)
	}
	w, h, err := dec.Config(data)
	if err != nil || w <= 0 || h <= 0 {
		return len(data)
	}
	return w * h * 4
}
