package hashing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSHA256File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	got, err := SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde", got)
}

func TestBundleChecksumDeterministicUnderPermutation(t *testing.T) {
	a := map[string]string{"b.txt": "bbb", "a.txt": "aaa", "c.txt": "ccc"}
	b := map[string]string{"c.txt": "ccc", "a.txt": "aaa", "b.txt": "bbb"}

	assert.Equal(t, BundleChecksum(a), BundleChecksum(b))
}

func TestBundleChecksumKnownVector(t *testing.T) {
	got := BundleChecksum(map[string]string{"a.txt": "aaa"})
	// sha256("a.txt" 0x00 "aaa" 0x00)
	assert.Len(t, got, 64)
	assert.Equal(t, BundleChecksum(map[string]string{"a.txt": "aaa"}), got)
}

func TestParseSHA256File(t *testing.T) {
	digest := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde"

	got, err := ParseSHA256File(digest + "  geometry.ffsf\n")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	_, err = ParseSHA256File("not-a-digest")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = ParseSHA256File("")
	require.ErrorIs(t, err, ErrInvalidChecksum)
}
