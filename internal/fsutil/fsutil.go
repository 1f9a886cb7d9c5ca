// Package fsutil carries the small subset of the teacher's filesystem
// helpers that this domain still needs.
package fsutil

import (
	"bufio"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"
)

// CacheDir returns the base directory Cadis uses for its own cache when
// the caller does not supply one, mirroring the teacher's
// fanal/utils.CacheDir default-location convention.
func CacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "cadis")
}

var gzipMagic = []byte{0x1f, 0x8b, 0x8}

// IsGzip peeks the first bytes of r to detect a gzip member, without
// consuming them for the caller.
func IsGzip(r *bufio.Reader) (bool, error) {
	peeked, err := r.Peek(3)
	if err != nil {
		return false, xerrors.Errorf("peek error: %w", err)
	}
	for i, b := range gzipMagic {
		if peeked[i] != b {
			return false, nil
		}
	}
	return true, nil
}
