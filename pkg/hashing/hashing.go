// Package hashing implements the integrity primitives of the dataset
// bootstrap contract: streamed SHA-256, the bundle-checksum construction,
// and checksum-file parsing.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/xerrors"
)

const chunkSize = 1 << 20 // 1 MiB, bounds memory for multi-GiB inputs.

// SHA256File returns the lowercase hex SHA-256 digest of the file at path,
// reading in bounded chunks.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", xerrors.Errorf("hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BundleChecksum computes the bundle-wide checksum over a relative-path to
// checksum map. The contract is part of the wire format: for each key in
// lexicographic order, write key, a NUL byte, the value, and another NUL
// byte, then take the SHA-256 of the concatenation.
func BundleChecksum(files map[string]string) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(files[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

var sha256HexPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ErrInvalidChecksum is returned by ParseSHA256File when the text does not
// contain a well-formed 64-character hex digest as its first token.
var ErrInvalidChecksum = xerrors.New("invalid sha256 checksum file content")

// ParseSHA256File extracts the checksum from the conventional
// "<hex>  filename" sidecar-file format: the first whitespace-delimited
// token must be exactly 64 hex characters.
func ParseSHA256File(text string) (string, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", fmt.Errorf("%w: empty content", ErrInvalidChecksum)
	}
	token := fields[0]
	if !sha256HexPattern.MatchString(token) {
		return "", fmt.Errorf("%w: %q is not 64 hex characters", ErrInvalidChecksum, token)
	}
	return strings.ToLower(token), nil
}
