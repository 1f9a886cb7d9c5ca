// Package cadis exposes the stable public runtime entry point: resolve a
// bootstrapped dataset directory for a country (or accept one already on
// disk), build a lookup pipeline over it, and answer point queries. It is
// the only package an HTTP wrapper or CLI should import.
package cadis

import (
	"context"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/pkg/bootstrap"
	"github.com/cadisrt/cadis/pkg/lookup"
	"github.com/cadisrt/cadis/pkg/policy"
	"github.com/cadisrt/cadis/pkg/types"
)

// RuntimeVersion is reported in every LookupResponse's "version" field and
// checked against each dataset's runtime_compat window at bootstrap time.
const RuntimeVersion = "1.4.0"

// DefaultDatasetManifestURL is the routing index manifest used when a
// caller does not override it, matching the original runtime's default.
const DefaultDatasetManifestURL = "https://datasets.cadis.example.com/dataset_manifest.json"

// DefaultCacheDir is the versioned dataset cache root used when a caller
// does not override it.
const DefaultCacheDir = "/opt/cadis/cache"

// Runtime is one country's fully bootstrapped, query-ready instance. It
// holds only read-only state after construction and is safe for
// concurrent Lookup calls.
type Runtime struct {
	pipeline *lookup.Pipeline
}

// FromISO2Options configures FromISO2.
type FromISO2Options struct {
	CacheDir           string
	DatasetManifestURL string
	TimeoutSec         int
	UpdateToLatest     bool
	DatasetVersion     string
	CountryName        string
	ValidationCache    *bootstrap.PathValidationCache
}

func (o FromISO2Options) withDefaults() FromISO2Options {
	if strings.TrimSpace(o.CacheDir) == "" {
		o.CacheDir = DefaultCacheDir
	}
	if strings.TrimSpace(o.DatasetManifestURL) == "" {
		o.DatasetManifestURL = DefaultDatasetManifestURL
	}
	if o.TimeoutSec <= 0 {
		o.TimeoutSec = 30
	}
	return o
}

// validateDatasetDir is the bootstrap.DatasetValidator used by both
// bootstrap modes: a candidate dataset directory is reusable only if its
// policy parses, meaning the same check New will redo when building the
// pipeline is cheap and side-effect-free.
func validateDatasetDir(datasetDir string) error {
	pol, err := policy.LoadRuntimePolicy(datasetDir)
	if err != nil {
		return err
	}
	return policy.EnsureDeclaredOverlayFilesPresent(datasetDir, pol)
}

// FromISO2 bootstraps (or reuses a cached copy of) the dataset for
// countryISO2 via the routing index manifest, then builds a lookup
// pipeline over the resulting dataset directory.
func FromISO2(ctx context.Context, countryISO2 string, opts FromISO2Options) (*Runtime, error) {
	opts = opts.withDefaults()

	result, err := bootstrap.BootstrapCountryDataset(ctx, bootstrap.IndexModeOptions{
		CountryISO2:           countryISO2,
		DatasetManifestURL:    opts.DatasetManifestURL,
		CacheDir:              opts.CacheDir,
		Timeout:               time.Duration(opts.TimeoutSec) * time.Second,
		UpdateToLatest:        opts.UpdateToLatest,
		DatasetVersion:        opts.DatasetVersion,
		ValidateCompatibility: bootstrap.DefaultCompatibilityValidator(RuntimeVersion),
		ValidateDatasetDir:    validateDatasetDir,
		RequiredFiles:         bootstrap.DefaultRequiredFiles,
		ValidationCache:       opts.ValidationCache,
	})
	if err != nil {
		return nil, xerrors.Errorf("bootstrapping dataset for %q: %w", countryISO2, err)
	}

	return New(result.DatasetDir, opts.CountryName)
}

// New builds a Runtime directly over an already-bootstrapped dataset
// directory, skipping network resolution entirely. Used by callers that
// manage their own cache population (tests, offline deployments).
func New(datasetDir, countryName string) (*Runtime, error) {
	pipeline, err := lookup.New(datasetDir, lookup.Options{
		CountryName: countryName,
		Version:     RuntimeVersion,
	})
	if err != nil {
		return nil, err
	}
	return &Runtime{pipeline: pipeline}, nil
}

// Lookup answers one point query against the runtime's loaded dataset.
// Longitude maps to the index's x-axis, latitude to y. Out-of-range
// coordinates are not rejected; they simply fail to hit any geometry and
// surface as lookup_status="failed". The only error path is an overlay
// invariant violation, a programmer error rather than a query-time
// degradation (those surface as status="partial"/"failed" with nil error).
func (r *Runtime) Lookup(lat, lon float64) (types.LookupResponse, error) {
	return r.pipeline.Lookup(lat, lon)
}

// DatasetDir reports the directory this runtime was loaded from.
func (r *Runtime) DatasetDir() string {
	return r.pipeline.DatasetDir
}
