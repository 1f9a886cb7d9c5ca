package bootstrap

import (
	"os"

	"golang.org/x/xerrors"
)

func mkdirAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Errorf("create dir %q: %w", dir, err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Errorf("write file %q: %w", path, err)
	}
	return nil
}
