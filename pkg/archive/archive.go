// Package archive provides a path-traversal-safe tar.gz extractor for
// downloaded dataset packages.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"
)

// SafeExtractTarGz extracts the gzip-compressed tar archive at archivePath
// into targetDir. Every member's resolved destination must land inside
// (or at) targetDir; entries that would escape it (via "..", an absolute
// path, or a symlink) are rejected and abort the whole extraction.
func SafeExtractTarGz(archivePath, targetDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return xerrors.Errorf("open archive %q: %w", archivePath, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return xerrors.Errorf("gzip reader for %q: %w", archivePath, err)
	}
	defer gz.Close()

	resolvedTarget, err := resolveDir(targetDir)
	if err != nil {
		return xerrors.Errorf("resolve target dir %q: %w", targetDir, err)
	}
	if err := os.MkdirAll(resolvedTarget, 0o755); err != nil {
		return xerrors.Errorf("mkdir target dir %q: %w", resolvedTarget, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return xerrors.Errorf("read tar entry: %w", err)
		}

		dest := filepath.Join(resolvedTarget, hdr.Name)
		if filepath.IsAbs(hdr.Name) || !isWithin(resolvedTarget, dest) {
			return xerrors.Errorf("unsafe tar entry %q escapes target dir", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return xerrors.Errorf("mkdir %q: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return xerrors.Errorf("mkdir parent of %q: %w", dest, err)
			}
			if err := extractFile(tr, dest, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			linkDest := hdr.Linkname
			if !filepath.IsAbs(linkDest) {
				linkDest = filepath.Join(filepath.Dir(dest), linkDest)
			}
			if !isWithin(resolvedTarget, linkDest) {
				return xerrors.Errorf("unsafe tar link %q escapes target dir", hdr.Name)
			}
			// Links are not followed or materialized; entries of this
			// type are rejected outright rather than risking escape.
			return xerrors.Errorf("unsupported tar entry type for %q", hdr.Name)
		default:
			// Unknown entry types (devices, fifos, ...) never appear in
			// dataset packages; reject rather than silently skip.
			return xerrors.Errorf("unsupported tar entry type %v for %q", hdr.Typeflag, hdr.Name)
		}
	}
}

func extractFile(r io.Reader, dest string, mode os.FileMode) error {
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return xerrors.Errorf("create %q: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return xerrors.Errorf("write %q: %w", dest, err)
	}
	return nil
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// Target dir may not exist yet; fall back to the absolute,
	// non-symlink-resolved path.
	return abs, nil
}

// isWithin reports whether dest is inside (or equal to) root.
func isWithin(root, dest string) bool {
	rel, err := filepath.Rel(root, filepath.Clean(dest))
	if err != nil {
		return false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
