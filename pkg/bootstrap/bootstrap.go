// Package bootstrap downloads and caches a country's dataset bundle from
// either a flat release-manifest source or a routing index manifest, and
// implements the reuse-or-fetch caching policy shared by both modes.
package bootstrap

import (
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/pkg/semver"
)

// DefaultRequiredFiles are the files that must exist in a dataset
// directory before it is considered a candidate for (re)use.
var DefaultRequiredFiles = []string{
	"dataset_release_manifest.json",
	"geometry.ffsf",
	"geometry_meta.json",
	"runtime_policy.json",
}

const (
	DefaultManifestName       = "dataset_release_manifest.json"
	DefaultManifestProfile    = "cadis.dataset.release"
	DefaultRuntimePolicyFile  = "runtime_policy.json"
)

// DatasetValidator is invoked against a dataset directory believed to be
// complete; it should parse and structurally validate runtime_policy.json
// (and anything else the caller's pipeline requires) and return an error
// describing the first problem found.
type DatasetValidator func(datasetDir string) error

// Result describes a bootstrapped (or reused) dataset directory.
type Result struct {
	CountryISO2        string
	DatasetID          string
	DatasetVersion     string
	DatasetDir         string
	UsedCachedDataset  bool
	DatasetManifestURL string
	UpdateChecked      bool
	VersionPinned      bool
}

// RequiredFilesPresent returns the subset of requiredFiles absent from
// datasetDir.
func RequiredFilesPresent(datasetDir string, requiredFiles []string) []string {
	var missing []string
	for _, name := range requiredFiles {
		if _, err := os.Stat(filepath.Join(datasetDir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	return missing
}

// ValidateCachedDatasetDir reports whether datasetDir is a usable cached
// dataset: all required files must be present, and validate must accept
// it. A validation error is returned to the caller rather than treated as
// "not cached" — a structurally invalid dataset directory is a bootstrap
// failure, not a cache miss. When cache is non-nil and already holds a
// fresh validation for this exact path, validate is skipped.
func ValidateCachedDatasetDir(datasetDir string, validate DatasetValidator, requiredFiles []string, cache *PathValidationCache) (bool, error) {
	if len(RequiredFilesPresent(datasetDir, requiredFiles)) > 0 {
		return false, nil
	}
	if cache.stillValid(datasetDir) {
		return true, nil
	}
	if err := validate(datasetDir); err != nil {
		return false, xerrors.Errorf("validating cached dataset %q: %w", datasetDir, err)
	}
	cache.markValid(datasetDir)
	return true, nil
}

// FindLocalCachedDataset scans cacheRoot/iso2/datasetID for the
// highest-versioned subdirectory (by lenient version ordering) that
// validates as a usable dataset, returning nil if none qualifies.
func FindLocalCachedDataset(iso2, cacheRoot, datasetID string, validate DatasetValidator, requiredFiles []string, cache *PathValidationCache) (*Result, error) {
	versionsRoot := filepath.Join(cacheRoot, iso2, datasetID)
	entries, err := os.ReadDir(versionsRoot)
	if err != nil {
		return nil, nil
	}

	type candidate struct {
		parsed  []int
		version string
		path    string
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		parsed := semver.ParseVersionForSort(entry.Name())
		candidates = append(candidates, candidate{parsed, entry.Name(), filepath.Join(versionsRoot, entry.Name())})
	}

	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && semver.CompareForSort(candidates[j-1].parsed, candidates[j].parsed) < 0; j-- {
			candidates[j-1], candidates[j] = candidates[j], candidates[j-1]
		}
	}

	for _, c := range candidates {
		ok, err := ValidateCachedDatasetDir(c.path, validate, requiredFiles, cache)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{
				CountryISO2:       iso2,
				DatasetID:         datasetID,
				DatasetVersion:    c.version,
				DatasetDir:        c.path,
				UsedCachedDataset: true,
			}, nil
		}
	}
	return nil, nil
}
