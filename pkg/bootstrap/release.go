package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/internal/log"
	"github.com/cadisrt/cadis/pkg/archive"
	"github.com/cadisrt/cadis/pkg/hashing"
	"github.com/cadisrt/cadis/pkg/semver"
	"github.com/cadisrt/cadis/pkg/transport"
)

// CompatibilityValidator inspects a parsed release manifest for runtime
// compatibility (and anything else the caller wants to enforce) before the
// package it describes is downloaded.
type CompatibilityValidator func(releaseManifest map[string]any) error

// DefaultCompatibilityValidator enforces runtime_compat.min <=
// runtimeVersion < runtime_compat.max_exclusive using pkg/semver.
func DefaultCompatibilityValidator(runtimeVersion string) CompatibilityValidator {
	return func(manifest map[string]any) error {
		compat, ok := manifest["runtime_compat"].(map[string]any)
		if !ok {
			return xerrors.New("release manifest missing runtime_compat object")
		}
		min, _ := compat["min"].(string)
		maxExclusive, _ := compat["max_exclusive"].(string)
		if strings.TrimSpace(min) == "" || strings.TrimSpace(maxExclusive) == "" {
			return xerrors.New("release manifest runtime_compat.min/max_exclusive missing")
		}
		return semver.ValidateRuntimeCompatibility(min, maxExclusive, runtimeVersion)
	}
}

type release struct {
	countryISO2        string
	datasetManifestURL string
	releaseManifestURL string
	datasetID          string
	datasetVersion     string
	packageURL         string
	packageSHAURL      string
}

func resolveLatestRelease(ctx context.Context, fetcher *transport.Fetcher, countryISO2, datasetManifestURL string, validateCompat CompatibilityValidator) (*release, error) {
	var rootManifest map[string]any
	if err := fetcher.FetchJSON(ctx, datasetManifestURL, &rootManifest); err != nil {
		return nil, xerrors.Errorf("fetch dataset manifest: %w", err)
	}

	countries, ok := rootManifest["countries"].(map[string]any)
	if !ok {
		return nil, xerrors.New("dataset_manifest.json missing countries object")
	}

	iso2 := strings.ToUpper(strings.TrimSpace(countryISO2))
	countryBlock, ok := countries[iso2].(map[string]any)
	if !ok {
		return nil, xerrors.Errorf("dataset_manifest.json does not include country %s", iso2)
	}

	datasetID := strings.ToLower(iso2) + ".admin"
	releaseEntry, ok := countryBlock[datasetID].(map[string]any)
	if !ok {
		return nil, xerrors.Errorf("dataset_manifest.json missing dataset entry %s for %s", datasetID, iso2)
	}

	latest, _ := releaseEntry["latest"].(string)
	manifestRel, _ := releaseEntry["manifest"].(string)
	if strings.TrimSpace(latest) == "" {
		return nil, xerrors.New("dataset_manifest latest is missing/invalid")
	}
	if strings.TrimSpace(manifestRel) == "" {
		return nil, xerrors.New("dataset_manifest manifest path is missing/invalid")
	}

	releaseManifestURL, err := transport.RepoRelativeURL(datasetManifestURL, manifestRel)
	if err != nil {
		return nil, xerrors.Errorf("resolve release manifest url: %w", err)
	}

	return fetchAndVerifyRelease(ctx, fetcher, iso2, datasetManifestURL, releaseManifestURL, latest, validateCompat)
}

func resolvePinnedRelease(ctx context.Context, fetcher *transport.Fetcher, countryISO2, datasetManifestURL, datasetVersion string, validateCompat CompatibilityValidator) (*release, error) {
	iso2 := strings.ToUpper(strings.TrimSpace(countryISO2))
	version := strings.TrimSpace(datasetVersion)
	if version == "" {
		return nil, xerrors.New("pinned dataset version must be non-empty")
	}

	datasetID := strings.ToLower(iso2) + ".admin"
	releaseManifestRel := "releases/" + iso2 + "/" + datasetID + "/" + version + "/dataset_release_manifest.json"
	releaseManifestURL, err := transport.RepoRelativeURL(datasetManifestURL, releaseManifestRel)
	if err != nil {
		return nil, xerrors.Errorf("resolve pinned release manifest url: %w", err)
	}

	return fetchAndVerifyRelease(ctx, fetcher, iso2, datasetManifestURL, releaseManifestURL, version, validateCompat)
}

func fetchAndVerifyRelease(ctx context.Context, fetcher *transport.Fetcher, iso2, datasetManifestURL, releaseManifestURL, expectedVersion string, validateCompat CompatibilityValidator) (*release, error) {
	var releaseManifest map[string]any
	if err := fetcher.FetchJSON(ctx, releaseManifestURL, &releaseManifest); err != nil {
		return nil, xerrors.Errorf("fetch release manifest: %w", err)
	}

	manifestCountry := strings.ToUpper(strings.TrimSpace(asString(releaseManifest["country_iso"])))
	if manifestCountry != iso2 {
		return nil, xerrors.Errorf("release manifest country mismatch: expected=%s actual=%q", iso2, manifestCountry)
	}

	datasetID, _ := releaseManifest["dataset_id"].(string)
	releaseVersion, _ := releaseManifest["dataset_version"].(string)
	if strings.TrimSpace(datasetID) == "" {
		return nil, xerrors.New("release manifest missing dataset_id")
	}
	if strings.TrimSpace(releaseVersion) == "" {
		return nil, xerrors.New("release manifest missing dataset_version")
	}
	if strings.TrimSpace(releaseVersion) != strings.TrimSpace(expectedVersion) {
		return nil, xerrors.Errorf("release version mismatch: expected=%q manifest=%q", expectedVersion, releaseVersion)
	}

	if err := validateCompat(releaseManifest); err != nil {
		return nil, xerrors.Errorf("release manifest incompatible: %w", err)
	}

	baseReleaseURL := releaseManifestURL[:strings.LastIndex(releaseManifestURL, "/")+1]
	packageURL, err := transport.RepoRelativeURL(baseReleaseURL, "dataset_package.tar.gz")
	if err != nil {
		return nil, xerrors.Errorf("resolve package url: %w", err)
	}
	packageSHAURL, err := transport.RepoRelativeURL(baseReleaseURL, "dataset_package.tar.gz.sha256")
	if err != nil {
		return nil, xerrors.Errorf("resolve package sha url: %w", err)
	}

	return &release{
		countryISO2:        iso2,
		datasetManifestURL: datasetManifestURL,
		releaseManifestURL: releaseManifestURL,
		datasetID:          strings.TrimSpace(datasetID),
		datasetVersion:     strings.TrimSpace(releaseVersion),
		packageURL:         packageURL,
		packageSHAURL:      packageSHAURL,
	}, nil
}

func downloadAndExtractRelease(ctx context.Context, fetcher *transport.Fetcher, cacheRoot string, rel *release, validate DatasetValidator, requiredFiles []string) (*Result, error) {
	targetDir := filepath.Join(cacheRoot, rel.countryISO2, rel.datasetID, rel.datasetVersion)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, xerrors.Errorf("create target dir %q: %w", targetDir, err)
	}

	tmpDir, err := os.MkdirTemp("", "cadis_pkg_")
	if err != nil {
		return nil, xerrors.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	archivePath := filepath.Join(tmpDir, "dataset_package.tar.gz")
	packageBytes, err := fetcher.FetchBytes(ctx, rel.packageURL)
	if err != nil {
		return nil, xerrors.Errorf("download package: %w", err)
	}
	if err := os.WriteFile(archivePath, packageBytes, 0o644); err != nil {
		return nil, xerrors.Errorf("write package to temp dir: %w", err)
	}

	shaText, err := fetcher.FetchText(ctx, rel.packageSHAURL)
	if err != nil {
		return nil, xerrors.Errorf("download package checksum: %w", err)
	}
	expectedSHA, err := hashing.ParseSHA256File(shaText)
	if err != nil {
		return nil, xerrors.Errorf("parse package checksum: %w", err)
	}
	actualSHA, err := hashing.SHA256File(archivePath)
	if err != nil {
		return nil, xerrors.Errorf("hash downloaded package: %w", err)
	}
	if actualSHA != expectedSHA {
		return nil, xerrors.Errorf("package checksum mismatch: expected=%s actual=%s", expectedSHA, actualSHA)
	}

	log.Info("extracting dataset package", log.String("dataset_id", rel.datasetID), log.String("dataset_version", rel.datasetVersion))
	if err := archive.SafeExtractTarGz(archivePath, targetDir); err != nil {
		return nil, xerrors.Errorf("extract package: %w", err)
	}

	if missing := RequiredFilesPresent(targetDir, requiredFiles); len(missing) > 0 {
		return nil, xerrors.Errorf("extracted package missing required files: %v", missing)
	}
	if err := validate(targetDir); err != nil {
		return nil, xerrors.Errorf("validate extracted dataset: %w", err)
	}

	return &Result{
		CountryISO2:        rel.countryISO2,
		DatasetID:          rel.datasetID,
		DatasetVersion:     rel.datasetVersion,
		DatasetDir:         targetDir,
		UsedCachedDataset:  false,
		DatasetManifestURL: rel.datasetManifestURL,
		UpdateChecked:      true,
	}, nil
}

// IndexModeOptions configures BootstrapCountryDataset, the routing-manifest
// (index manifest -> release manifest -> tar.gz package) bootstrap mode.
type IndexModeOptions struct {
	CountryISO2             string
	DatasetManifestURL      string
	CacheDir                string
	Timeout                 time.Duration
	UpdateToLatest          bool
	DatasetVersion          string
	ValidateCompatibility   CompatibilityValidator
	ValidateDatasetDir      DatasetValidator
	RequiredFiles           []string
	ValidationCache         *PathValidationCache
}

// BootstrapCountryDataset resolves (pinned or latest) a release via the
// routing manifest, reusing a valid local cache entry where the policy
// allows it, and otherwise downloads and safe-extracts the package.
func BootstrapCountryDataset(ctx context.Context, opts IndexModeOptions) (*Result, error) {
	iso2 := strings.ToUpper(strings.TrimSpace(opts.CountryISO2))
	if len(iso2) != 2 {
		return nil, xerrors.New("country_iso2 must be a 2-letter ISO2 code")
	}
	requiredFiles := opts.RequiredFiles
	if requiredFiles == nil {
		requiredFiles = DefaultRequiredFiles
	}

	cacheRoot := opts.CacheDir
	datasetID := strings.ToLower(iso2) + ".admin"
	pinnedVersion := strings.TrimSpace(opts.DatasetVersion)
	fetcher := transport.NewFetcher(opts.Timeout)

	if pinnedVersion != "" {
		pinnedDir := filepath.Join(cacheRoot, iso2, datasetID, pinnedVersion)
		ok, err := ValidateCachedDatasetDir(pinnedDir, opts.ValidateDatasetDir, requiredFiles, opts.ValidationCache)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Result{
				CountryISO2:        iso2,
				DatasetID:          datasetID,
				DatasetVersion:     pinnedVersion,
				DatasetDir:         pinnedDir,
				UsedCachedDataset:  true,
				DatasetManifestURL: opts.DatasetManifestURL,
				UpdateChecked:      false,
				VersionPinned:      true,
			}, nil
		}

		rel, err := resolvePinnedRelease(ctx, fetcher, iso2, opts.DatasetManifestURL, pinnedVersion, opts.ValidateCompatibility)
		if err != nil {
			return nil, err
		}
		downloaded, err := downloadAndExtractRelease(ctx, fetcher, cacheRoot, rel, opts.ValidateDatasetDir, requiredFiles)
		if err != nil {
			return nil, err
		}
		downloaded.VersionPinned = true
		return downloaded, nil
	}

	cached, err := FindLocalCachedDataset(iso2, cacheRoot, datasetID, opts.ValidateDatasetDir, requiredFiles, opts.ValidationCache)
	if err != nil {
		return nil, err
	}
	if cached != nil && !opts.UpdateToLatest {
		cached.DatasetManifestURL = opts.DatasetManifestURL
		cached.UpdateChecked = false
		return cached, nil
	}

	rel, err := resolveLatestRelease(ctx, fetcher, iso2, opts.DatasetManifestURL, opts.ValidateCompatibility)
	if err != nil {
		return nil, err
	}

	latestTarget := filepath.Join(cacheRoot, iso2, rel.datasetID, rel.datasetVersion)
	ok, err := ValidateCachedDatasetDir(latestTarget, opts.ValidateDatasetDir, requiredFiles, opts.ValidationCache)
	if err != nil {
		return nil, err
	}
	if ok {
		return &Result{
			CountryISO2:        rel.countryISO2,
			DatasetID:          rel.datasetID,
			DatasetVersion:     rel.datasetVersion,
			DatasetDir:         latestTarget,
			UsedCachedDataset:  true,
			DatasetManifestURL: opts.DatasetManifestURL,
			UpdateChecked:      true,
		}, nil
	}

	return downloadAndExtractRelease(ctx, fetcher, cacheRoot, rel, opts.ValidateDatasetDir, requiredFiles)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
