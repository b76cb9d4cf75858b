package cache

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/mirofel/imgcache/internal/keyhash"
)

const defaultDirPerm = 0o700

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// diskStore is the durable tier. It is not safe for concurrent use on its
// own: the owning Cache funnels every call through its serial queue.
type diskStore struct {
	root     string
	auxRoots []string
	dirPerm  os.FileMode

	// nil unless compression is enabled. Reads always sniff the zstd magic,
	// so a cache directory can mix compressed and plain entries.
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newDiskStore(root string, auxRoots []string, compress bool) (*diskStore, error) {
	s := &diskStore{
		root:     root,
		auxRoots: auxRoots,
		dirPerm:  defaultDirPerm,
	}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		s.enc = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	s.dec = dec
	if err := os.MkdirAll(root, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *diskStore) path(key string) string {
	return filepath.Join(s.root, keyhash.Filename(key))
}

// read returns the stored blob for key, searching the primary root first and
// then each auxiliary read-only root in registration order. Auxiliary roots
// are also probed with the legacy extensionless name. A read failure is a miss.
func (s *diskStore) read(key string) ([]byte, bool) {
	if data, err := os.ReadFile(s.path(key)); err == nil {
		return s.decode(data)
	}
	name := keyhash.Filename(key)
	legacy := keyhash.LegacyFilename(key)
	for _, root := range s.auxRoots {
		if data, err := os.ReadFile(filepath.Join(root, name)); err == nil {
			return s.decode(data)
		}
		if legacy != name {
			if data, err := os.ReadFile(filepath.Join(root, legacy)); err == nil {
				return s.decode(data)
			}
		}
	}
	return nil, false
}

// write stores the blob atomically: temp file in the target directory, then
// rename. A concurrent writer losing the rename race is not an error.
func (s *diskStore) write(key string, data []byte) error {
	if err := os.MkdirAll(s.root, s.dirPerm); err != nil {
		return err
	}
	if s.enc != nil {
		data = s.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}

	path := s.path(key)
	tmp, err := os.CreateTemp(s.root, "imgcache-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *diskStore) remove(key string) {
	_ = os.Remove(s.path(key))
}

func (s *diskStore) contains(key string) bool {
	if _, err := os.Stat(s.path(key)); err == nil {
		return true
	}
	name := keyhash.Filename(key)
	legacy := keyhash.LegacyFilename(key)
	for _, root := range s.auxRoots {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			return true
		}
		if legacy != name {
			if _, err := os.Stat(filepath.Join(root, legacy)); err == nil {
				return true
			}
		}
	}
	return false
}

// clear removes the primary root wholesale and recreates it. Auxiliary roots
// are read-only and never touched.
func (s *diskStore) clear() {
	_ = os.RemoveAll(s.root)
	_ = os.MkdirAll(s.root, s.dirPerm)
}

// size reports the total allocated bytes under the primary root.
func (s *diskStore) size() int64 {
	var total int64
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	for _, ent := range entries {
		info, err := ent.Info()
		if err != nil || info.IsDir() {
			continue
		}
		total += info.Size()
	}
	return total
}

// count reports the number of entries under the primary root.
func (s *diskStore) count() int {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	n := 0
	for _, ent := range entries {
		if !ent.IsDir() {
			n++
		}
	}
	return n
}

func (s *diskStore) decode(data []byte) ([]byte, bool) {
	if !bytes.HasPrefix(data, zstdMagic) {
		return data, true
	}
	out, err := s.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, false
	}
	return out, true
}
