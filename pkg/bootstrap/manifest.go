package bootstrap

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	units "github.com/docker/go-units"

	"github.com/cadisrt/cadis/internal/log"
	"github.com/cadisrt/cadis/pkg/hashing"
	"github.com/cadisrt/cadis/pkg/semver"
	"github.com/cadisrt/cadis/pkg/transport"
)

// ReleaseModeOptions configures BootstrapReleaseDataset, the flat
// release-manifest bootstrap mode: a single manifest at dataset_base lists
// every file's checksum and size, downloaded and verified individually.
type ReleaseModeOptions struct {
	DatasetBase       string
	Country           string
	RuntimeVersion    string
	ValidateDatasetDir DatasetValidator
	CacheDir          string
	Timeout           time.Duration
	ManifestName      string
	ManifestProfile   string
	RuntimePolicyFile string
}

// ReleaseResult is the outcome of BootstrapReleaseDataset.
type ReleaseResult struct {
	Country                  string
	DatasetURL               string
	ManifestURL              string
	CacheDir                 string
	MinCadisVersion          string
	MaxCadisVersionExclusive string
	DownloadedURLs           []string
	Manifest                 map[string]any
}

type manifestFileEntry struct {
	rel          string
	expectedSHA  string
	expectedSize int64
}

// BootstrapReleaseDataset downloads and verifies every file named in a
// flat release manifest's checksums.files object, writing them under
// cacheDir/country/datasetID/datasetVersion, then validates the resulting
// directory.
func BootstrapReleaseDataset(ctx context.Context, opts ReleaseModeOptions) (*ReleaseResult, error) {
	manifestName := opts.ManifestName
	if manifestName == "" {
		manifestName = DefaultManifestName
	}
	manifestProfile := opts.ManifestProfile
	if manifestProfile == "" {
		manifestProfile = DefaultManifestProfile
	}
	runtimePolicyFile := opts.RuntimePolicyFile
	if runtimePolicyFile == "" {
		runtimePolicyFile = DefaultRuntimePolicyFile
	}

	iso2 := strings.ToUpper(strings.TrimSpace(opts.Country))
	if iso2 == "" {
		return nil, xerrors.New("country must be a non-empty ISO2 code")
	}

	datasetURL := strings.TrimRight(opts.DatasetBase, "/")
	manifestURL := datasetURL + "/" + manifestName

	fetcher := transport.NewFetcher(opts.Timeout)

	var manifest map[string]any
	if err := fetcher.FetchJSON(ctx, manifestURL, &manifest); err != nil {
		return nil, xerrors.Errorf("fetch dataset manifest: %w", err)
	}

	if profile, _ := manifest["profile"].(string); profile != manifestProfile {
		return nil, xerrors.Errorf("invalid manifest profile: %q", manifest["profile"])
	}
	if schemaVersion, ok := manifest["schema_version"].(float64); !ok || schemaVersion != 2 {
		return nil, xerrors.Errorf("unsupported schema version: %v", manifest["schema_version"])
	}
	manifestCountry, _ := manifest["country_iso"].(string)
	if strings.ToUpper(strings.TrimSpace(manifestCountry)) != iso2 {
		return nil, xerrors.Errorf("manifest country mismatch: expected=%s actual=%q", iso2, manifest["country_iso"])
	}
	datasetID, _ := manifest["dataset_id"].(string)
	if strings.TrimSpace(datasetID) == "" {
		return nil, xerrors.New("manifest missing dataset_id")
	}
	datasetVersion, _ := manifest["dataset_version"].(string)
	if strings.TrimSpace(datasetVersion) == "" {
		return nil, xerrors.New("manifest missing dataset_version")
	}
	if algo, _ := manifest["checksum_algo"].(string); algo != "sha256" {
		return nil, xerrors.Errorf("unsupported checksum algorithm: %q", manifest["checksum_algo"])
	}

	minVersion, maxVersionExclusive, err := validateManifestRuntimeCompat(manifest, opts.RuntimeVersion)
	if err != nil {
		return nil, err
	}

	targetDir := filepath.Join(opts.CacheDir, iso2, strings.TrimSpace(datasetID), strings.TrimSpace(datasetVersion))
	if err := mkdirAll(targetDir); err != nil {
		return nil, err
	}

	checksums, ok := manifest["checksums"].(map[string]any)
	if !ok {
		return nil, xerrors.New("manifest missing checksums object")
	}
	filesRaw, ok := checksums["files"].(map[string]any)
	if !ok || len(filesRaw) == 0 {
		return nil, xerrors.New("manifest checksums.files must be a non-empty object")
	}
	if _, ok := filesRaw[runtimePolicyFile]; !ok {
		return nil, xerrors.Errorf("manifest files must include %s", runtimePolicyFile)
	}

	entries := make([]manifestFileEntry, 0, len(filesRaw))
	for rel, rawEntry := range filesRaw {
		entryObj, ok := rawEntry.(map[string]any)
		if !ok {
			return nil, xerrors.Errorf("manifest checksums.files[%q] must be an object", rel)
		}
		sha, _ := entryObj["sha256"].(string)
		if strings.TrimSpace(sha) == "" {
			return nil, xerrors.Errorf("manifest checksums.files[%q] missing sha256", rel)
		}
		size, ok := entryObj["size"].(float64)
		if !ok {
			return nil, xerrors.Errorf("manifest checksums.files[%q] missing integer size", rel)
		}
		entries = append(entries, manifestFileEntry{rel: rel, expectedSHA: sha, expectedSize: int64(size)})
	}

	verified, downloaded, err := downloadAndVerifyManifestFiles(ctx, fetcher, datasetURL, targetDir, entries)
	if err != nil {
		return nil, err
	}

	if expectedBundle := bundleChecksumField(manifest); expectedBundle != "" {
		actualBundle := hashing.BundleChecksum(verified)
		if actualBundle != expectedBundle {
			return nil, xerrors.Errorf("bundle checksum mismatch: expected=%s actual=%s", expectedBundle, actualBundle)
		}
	}

	runtimePolicyPath := filepath.Join(targetDir, runtimePolicyFile)
	runtimePolicyChecksum, _ := filesRaw[runtimePolicyFile].(map[string]any)["sha256"].(string)
	actualPolicySHA, err := hashing.SHA256File(runtimePolicyPath)
	if err != nil {
		return nil, xerrors.Errorf("%s missing after bootstrap download: %w", runtimePolicyFile, err)
	}
	if actualPolicySHA != runtimePolicyChecksum {
		return nil, xerrors.Errorf("%s checksum mismatch: expected=%s actual=%s", runtimePolicyFile, runtimePolicyChecksum, actualPolicySHA)
	}

	if err := opts.ValidateDatasetDir(targetDir); err != nil {
		return nil, xerrors.Errorf("validate bootstrapped dataset: %w", err)
	}

	localManifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, xerrors.Errorf("re-marshal manifest: %w", err)
	}
	if err := writeFile(filepath.Join(targetDir, manifestName), localManifestBytes); err != nil {
		return nil, err
	}

	return &ReleaseResult{
		Country:                  iso2,
		DatasetURL:               datasetURL,
		ManifestURL:              manifestURL,
		CacheDir:                 targetDir,
		MinCadisVersion:          minVersion,
		MaxCadisVersionExclusive: maxVersionExclusive,
		DownloadedURLs:           downloaded,
		Manifest:                 manifest,
	}, nil
}

// downloadAndVerifyManifestFiles fetches every manifest entry with
// GOMAXPROCS-bounded concurrency. Verified checksums are collected under a
// mutex into a map keyed by relative path, so the bundle checksum below
// (computed over the sorted key set) never depends on completion order.
func downloadAndVerifyManifestFiles(ctx context.Context, fetcher *transport.Fetcher, datasetURL, targetDir string, entries []manifestFileEntry) (map[string]string, []string, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)))

	var mu sync.Mutex
	verified := make(map[string]string, len(entries))
	downloaded := make([]string, 0, len(entries))

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			url := datasetURL + "/" + entry.rel
			body, err := fetcher.FetchBytes(ctx, url)
			if err != nil {
				return xerrors.Errorf("download %s: %w", entry.rel, err)
			}

			outPath := filepath.Join(targetDir, filepath.FromSlash(entry.rel))
			if err := mkdirAll(filepath.Dir(outPath)); err != nil {
				return err
			}
			if err := writeFile(outPath, body); err != nil {
				return err
			}

			actualSHA, err := hashing.SHA256File(outPath)
			if err != nil {
				return xerrors.Errorf("hash %s: %w", entry.rel, err)
			}
			if actualSHA != entry.expectedSHA {
				return xerrors.Errorf("checksum mismatch for %s: expected=%s actual=%s", entry.rel, entry.expectedSHA, actualSHA)
			}
			if int64(len(body)) != entry.expectedSize {
				return xerrors.Errorf("size mismatch for %s: expected=%d actual=%d", entry.rel, entry.expectedSize, len(body))
			}

			log.Debug("verified dataset file", log.String("path", entry.rel), log.String("size", units.HumanSize(float64(len(body)))))

			mu.Lock()
			verified[entry.rel] = actualSHA
			downloaded = append(downloaded, url)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return verified, downloaded, nil
}

func validateManifestRuntimeCompat(manifest map[string]any, runtimeVersion string) (string, string, error) {
	compat, ok := manifest["runtime_compat"].(map[string]any)
	if !ok {
		return "", "", xerrors.New("manifest missing runtime_compat object")
	}
	min, _ := compat["min"].(string)
	maxExclusive, _ := compat["max_exclusive"].(string)
	if strings.TrimSpace(min) == "" {
		return "", "", xerrors.New("manifest missing runtime_compat.min")
	}
	if strings.TrimSpace(maxExclusive) == "" {
		return "", "", xerrors.New("manifest missing runtime_compat.max_exclusive")
	}
	if err := semver.ValidateRuntimeCompatibility(min, maxExclusive, runtimeVersion); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(min), strings.TrimSpace(maxExclusive), nil
}

func bundleChecksumField(manifest map[string]any) string {
	if v, ok := manifest["manifest_bundle_checksum"].(string); ok && v != "" {
		return v
	}
	if v, ok := manifest["bundle_checksum"].(string); ok && v != "" {
		return v
	}
	return ""
}
