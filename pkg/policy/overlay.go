package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/pkg/types"
)

// SemanticOverlay is a post-status, deterministic transform that may
// rename hierarchy nodes by osm_id and attach metadata, never change
// structure.
type SemanticOverlay struct {
	Name                  string
	File                  string
	ResultMetadata        map[string]any
	NameOverridesByOsmID  map[string]string
}

var overlayAllowedKeys = map[string]struct{}{
	"overlay_version":          {},
	"result_metadata":          {},
	"name_overrides_by_osm_id": {},
}

func loadOverlayFile(path, datasetDir, overlayName string) (*SemanticOverlay, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q is missing: %v", overlayName, err))
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q is malformed JSON: %v", overlayName, err))
	}

	for k := range doc {
		if _, ok := overlayAllowedKeys[k]; !ok {
			return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q contains unsupported key %q", overlayName, k))
		}
	}

	resultMetadata := map[string]any{}
	if v, ok := doc["result_metadata"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q result_metadata must be an object.", overlayName))
		}
		resultMetadata = m
	}

	nameOverrides := map[string]string{}
	if v, ok := doc["name_overrides_by_osm_id"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q name_overrides_by_osm_id must be an object.", overlayName))
		}
		for k, vv := range m {
			if k == "" {
				return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q override keys must be non-empty strings.", overlayName))
			}
			s, ok := vv.(string)
			if !ok || s == "" {
				return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q override values must be non-empty strings.", overlayName))
			}
			nameOverrides[k] = s
		}
	}

	if len(resultMetadata) == 0 && len(nameOverrides) == 0 {
		return nil, invalid(datasetDir, fmt.Sprintf("optional overlay %q must define at least one deterministic transform.", overlayName))
	}

	return &SemanticOverlay{
		Name:                 overlayName,
		File:                 filepath.Base(path),
		ResultMetadata:       resultMetadata,
		NameOverridesByOsmID: nameOverrides,
	}, nil
}

// LoadSemanticOverlays loads every declared overlay file in declaration
// order.
func LoadSemanticOverlays(datasetDir string, p *RuntimePolicy) ([]*SemanticOverlay, error) {
	overlays := make([]*SemanticOverlay, 0, len(p.OptionalLayers))
	for _, decl := range p.OptionalLayers {
		overlay, err := loadOverlayFile(filepath.Join(datasetDir, decl.File), datasetDir, decl.Name)
		if err != nil {
			return nil, err
		}
		overlays = append(overlays, overlay)
	}
	return overlays, nil
}

// Apply renames hierarchy node names whose osm_id matches the override
// table and attaches result_metadata under semantic_overlays[name].
func (o *SemanticOverlay) Apply(bundle types.LookupResponse) types.LookupResponse {
	out := bundle
	if len(o.ResultMetadata) > 0 {
		if out.Result.SemanticOverlays == nil {
			out.Result.SemanticOverlays = map[string]any{}
		} else {
			copied := make(map[string]any, len(out.Result.SemanticOverlays))
			for k, v := range out.Result.SemanticOverlays {
				copied[k] = v
			}
			out.Result.SemanticOverlays = copied
		}
		out.Result.SemanticOverlays[o.Name] = o.ResultMetadata
	}
	if len(o.NameOverridesByOsmID) > 0 {
		hierarchy := make([]types.AdminHierarchyNode, len(out.Result.AdminHierarchy))
		copy(hierarchy, out.Result.AdminHierarchy)
		for i, node := range hierarchy {
			if newName, ok := o.NameOverridesByOsmID[node.OsmID]; ok {
				node.Name = newName
				hierarchy[i] = node
			}
		}
		out.Result.AdminHierarchy = hierarchy
	}
	return out
}

// ApplySemanticOverlays applies every overlay in order and enforces the
// five post-application safety invariants: lookup_status, node count,
// osm_id sequence, level sequence, and rank sequence must all be
// unchanged by the full chain.
func ApplySemanticOverlays(bundle types.LookupResponse, overlays []*SemanticOverlay) (types.LookupResponse, error) {
	if len(overlays) == 0 {
		return bundle, nil
	}

	before := bundle.Result.AdminHierarchy
	statusBefore := bundle.LookupStatus
	countBefore := len(before)
	osmIDsBefore := osmIDSequence(before)
	levelsBefore := levelSequence(before)
	ranksBefore := rankSequence(before)

	out := bundle
	for _, overlay := range overlays {
		out = overlay.Apply(out)
	}

	after := out.Result.AdminHierarchy
	if out.LookupStatus != statusBefore {
		return bundle, xerrors.New("semantic overlay must not modify lookup_status")
	}
	if len(after) != countBefore {
		return bundle, xerrors.New("semantic overlay must not change hierarchy node count")
	}
	if !equalStrings(osmIDSequence(after), osmIDsBefore) {
		return bundle, xerrors.New("semantic overlay must not modify/reorder osm_id sequence")
	}
	if !equalInts(levelSequence(after), levelsBefore) {
		return bundle, xerrors.New("semantic overlay must not modify structural hierarchy levels")
	}
	if !equalInts(rankSequence(after), ranksBefore) {
		return bundle, xerrors.New("semantic overlay must not modify/reorder rank sequence")
	}

	return out, nil
}

func osmIDSequence(nodes []types.AdminHierarchyNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.OsmID
	}
	return out
}

func levelSequence(nodes []types.AdminHierarchyNode) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Level
	}
	return out
}

func rankSequence(nodes []types.AdminHierarchyNode) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Rank
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
