// Package lookup wires the policy, FFSF index, and evidence core loaded
// from one bootstrapped dataset bundle into a single-call lookup entry
// point: geometry hits in, a policy-validated result bundle out. New reads
// the dataset files once; Lookup performs no I/O, working only on what New
// loaded.
package lookup

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/internal/log"
	"github.com/cadisrt/cadis/pkg/cadiserr"
	"github.com/cadisrt/cadis/pkg/dataset"
	"github.com/cadisrt/cadis/pkg/evidence"
	"github.com/cadisrt/cadis/pkg/ffsf"
	"github.com/cadisrt/cadis/pkg/policy"
	"github.com/cadisrt/cadis/pkg/types"
)

const engineName = "cadis"

// Pipeline is one country's fully loaded lookup runtime: an FFSF index, a
// validated policy, the hierarchy/repair provider closures it backs, and
// the declared semantic overlays, all read-only after construction and
// safe to call concurrently from multiple goroutines.
type Pipeline struct {
	DatasetDir string
	Version    string

	policy      *policy.RuntimePolicy
	index       *ffsf.Index
	overlays    []*policy.SemanticOverlay
	countryName string

	hierarchyProvider evidence.Provider
	repairProvider    evidence.Provider

	core *evidence.Core
}

// Options configures New beyond the dataset directory itself.
type Options struct {
	// CountryName overrides the name derived from the release manifest
	// when non-empty.
	CountryName string
	// Version is reported in the result bundle's "version" field.
	Version string
	// TelemetryHook observes pipeline stage completions; nil disables it.
	TelemetryHook evidence.TelemetryHook
}

// requiredBaseFiles are the files every dataset bundle must carry
// regardless of policy, mirroring bootstrap.DefaultRequiredFiles without
// importing pkg/bootstrap (lookup must not depend on how a bundle was
// fetched, only on what is on disk).
var requiredBaseFiles = []string{
	"dataset_release_manifest.json",
	"geometry.ffsf",
	"geometry_meta.json",
	"runtime_policy.json",
}

// New loads runtime_policy.json, geometry.ffsf/geometry_meta.json, and any
// required hierarchy.json/repair.json/overlay files out of datasetDir,
// returning a Pipeline ready to serve Lookup calls. It fails fast (before
// any query can run) on missing files or an invalid policy.
func New(datasetDir string, opts Options) (*Pipeline, error) {
	missing := missingFiles(datasetDir, requiredBaseFiles)
	if len(missing) > 0 {
		return nil, cadiserr.NewDatasetNotBootstrapped(datasetDir, missing)
	}

	pol, err := policy.LoadRuntimePolicy(datasetDir)
	if err != nil {
		return nil, err
	}

	var layerMissing []string
	if pol.HierarchyRequired {
		layerMissing = append(layerMissing, presentOrMissing(datasetDir, "hierarchy.json")...)
	}
	if pol.RepairRequired {
		layerMissing = append(layerMissing, presentOrMissing(datasetDir, "repair.json")...)
	}
	for _, decl := range pol.OptionalLayers {
		layerMissing = append(layerMissing, presentOrMissing(datasetDir, decl.File)...)
	}
	if len(layerMissing) > 0 {
		return nil, cadiserr.NewDatasetNotBootstrapped(datasetDir, layerMissing)
	}
	if err := policy.EnsureDeclaredOverlayFilesPresent(datasetDir, pol); err != nil {
		return nil, err
	}

	overlays, err := policy.LoadSemanticOverlays(datasetDir, pol)
	if err != nil {
		return nil, err
	}

	idx, err := ffsf.Load(filepath.Join(datasetDir, "geometry.ffsf"), filepath.Join(datasetDir, "geometry_meta.json"))
	if err != nil {
		return nil, xerrors.Errorf("loading geometry index: %w", err)
	}

	var hierarchyProvider evidence.Provider
	if pol.HierarchyRequired {
		parentMap, err := dataset.LoadHierarchyParentMap(datasetDir, pol.HierarchyChildLevels, pol.HierarchyParentLevel)
		if err != nil {
			return nil, xerrors.Errorf("loading hierarchy parent map: %w", err)
		}
		hierarchyProvider = dataset.HierarchyProvider(parentMap, dataset.SortedLevels(pol.HierarchyChildLevels), pol.HierarchyParentLevel)
	}

	var repairProvider evidence.Provider
	if pol.RepairRequired {
		anchorMap, reasonCode, err := dataset.LoadRepairAnchorMap(datasetDir, pol.RepairParentLevel)
		if err != nil {
			return nil, xerrors.Errorf("loading repair anchor map: %w", err)
		}
		log.Debug("loaded repair anchor map", log.String("dataset_dir", datasetDir), log.String("reason_code", reasonCode))
		repairProvider = dataset.RepairProvider(anchorMap, dataset.SortedLevels(pol.RepairChildLevels), pol.RepairParentLevel)
	}

	countryName := strings.TrimSpace(opts.CountryName)
	if countryName == "" {
		countryName = dataset.LoadDatasetCountryName(datasetDir)
	}

	version := opts.Version
	if version == "" {
		version = "0.0.0-dev"
	}

	return &Pipeline{
		DatasetDir:        datasetDir,
		Version:           version,
		policy:            pol,
		index:             idx,
		overlays:          overlays,
		countryName:       countryName,
		hierarchyProvider: hierarchyProvider,
		repairProvider:    repairProvider,
		core:              evidence.NewCore(opts.TelemetryHook),
	}, nil
}

// Lookup answers one point query: it has no side effects and performs no
// I/O, so it is safe to call concurrently across goroutines sharing one
// Pipeline.
func (p *Pipeline) Lookup(lat, lon float64) (types.LookupResponse, error) {
	pt := ffsf.Point{X: lon, Y: lat}
	hits := p.index.Contains(pt, p.policy.AllowedLevels)

	polygonHits := make(map[int]evidence.Node, len(hits))
	for level, hit := range hits {
		polygonHits[level] = evidence.Node{
			Level:  hit.Level,
			Name:   hit.Name,
			OsmID:  hit.OsmID,
			Source: hit.Source,
		}
	}

	bundle := p.core.RunPipeline(polygonHits, evidence.RunOptions{
		AllowedLevels:     p.policy.AllowedLevels,
		AllowedShapes:     p.policy.AllowedShapes,
		ShapeStatusMap:    p.policy.ShapeStatusMap,
		HierarchyProvider: p.hierarchyProvider,
		RepairProvider:    p.repairProvider,
		Engine:            engineName,
		Version:           p.Version,
		CountryName:       p.countryName,
	})

	bundle, err := policy.ApplySemanticOverlays(bundle, p.overlays)
	if err != nil {
		return types.LookupResponse{}, xerrors.Errorf("applying semantic overlays: %w", err)
	}
	return bundle, nil
}

func missingFiles(datasetDir string, names []string) []string {
	var missing []string
	for _, name := range names {
		if len(presentOrMissing(datasetDir, name)) > 0 {
			missing = append(missing, name)
		}
	}
	return missing
}

func presentOrMissing(datasetDir, relPath string) []string {
	if _, err := os.Stat(filepath.Join(datasetDir, relPath)); err != nil {
		return []string{relPath}
	}
	return nil
}
