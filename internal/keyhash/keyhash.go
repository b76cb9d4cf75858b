// Package keyhash maps arbitrary resource keys to stable, filesystem-safe names.
package keyhash

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"strings"
)

const maxExtLen = 5

// Filename returns the on-disk name for a resource key: the SHA-256 hex digest
// of the key, plus the key's file extension when one can be derived.
//
// The mapping is deterministic across processes, so a key always resolves to
// the same file regardless of when or where it was cached.
func Filename(key string) string {
	name := digest(key)
	if ext := extension(key); ext != "" {
		name += ext
	}
	return name
}

// LegacyFilename returns the name used before extensions were preserved:
// the bare digest. Auxiliary read-only roots are probed with this variant
// when the primary name misses.
func LegacyFilename(key string) string {
	return digest(key)
}

func digest(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// extension derives a recognizable file extension from the key, treating the
// key as a URL when possible. Returns "" when no safe extension exists.
func extension(key string) string {
	p := key
	if u, err := url.Parse(key); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := path.Ext(p)
	if len(ext) < 2 || len(ext) > maxExtLen+1 {
		return ""
	}
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return ""
		}
	}
	return strings.ToLower(ext)
}
