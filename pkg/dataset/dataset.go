// Package dataset reads the supporting JSON side-files of a bootstrapped
// dataset bundle (hierarchy.json, repair.json, dataset_release_manifest.json)
// into the lookup maps pkg/evidence's hierarchy and repair providers need.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/xerrors"

	"github.com/cadisrt/cadis/pkg/evidence"
)

// RepairLoaderReasonCode is the provenance code LoadRepairAnchorMap always
// reports: the repair anchor map is, by construction, an externally
// authored dataset file rather than a bundled or hardcoded fallback.
const RepairLoaderReasonCode = "loaded_external"

type hierarchyNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id"`
	Level    int    `json:"level"`
	Name     string `json:"name"`
}

type hierarchyDoc struct {
	Nodes []json.RawMessage `json:"nodes"`
}

// HierarchyParentEntry is one resolved child-name -> parent-node mapping.
type HierarchyParentEntry struct {
	Level  int
	Name   string
	OsmID  string
	Source string
}

// LoadHierarchyParentMap joins every node at a level in childLevels to its
// direct parent at parentLevel, keyed by the child node's name. Nodes whose
// parent does not resolve to parentLevel, or whose name is empty, are
// skipped rather than erroring: hierarchy.json is best-effort supplementary
// evidence, not a required file.
func LoadHierarchyParentMap(datasetDir string, childLevels map[int]struct{}, parentLevel int) (map[string]HierarchyParentEntry, error) {
	raw, err := os.ReadFile(filepath.Join(datasetDir, "hierarchy.json"))
	if err != nil {
		return nil, xerrors.Errorf("reading hierarchy.json: %w", err)
	}

	var doc hierarchyDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Errorf("parsing hierarchy.json: %w", err)
	}

	nodes := make([]hierarchyNode, 0, len(doc.Nodes))
	nodeByID := make(map[string]hierarchyNode, len(doc.Nodes))
	for _, entry := range doc.Nodes {
		var n hierarchyNode
		if err := json.Unmarshal(entry, &n); err != nil {
			continue
		}
		nodes = append(nodes, n)
		if n.ID != "" {
			nodeByID[n.ID] = n
		}
	}

	byChildName := make(map[string]HierarchyParentEntry)
	for _, node := range nodes {
		if _, want := childLevels[node.Level]; !want {
			continue
		}
		parent, ok := nodeByID[node.ParentID]
		if !ok || parent.Level != parentLevel {
			continue
		}
		if node.Name == "" {
			continue
		}
		byChildName[node.Name] = HierarchyParentEntry{
			Level:  parentLevel,
			Name:   parent.Name,
			OsmID:  parent.ID,
			Source: "admin_tree_name",
		}
	}
	return byChildName, nil
}

// RepairAnchorEntry is one resolved child-name -> semantic-anchor mapping.
type RepairAnchorEntry struct {
	Name  string
	OsmID string
}

type structuredAnchor struct {
	ParentID   string `json:"l4_semantic_id"`
	ParentName string `json:"l4_name"`
}

// LoadRepairAnchorMap reads repair.json's anchor table, keyed by child
// name, resolving each anchor to a (name, id) pair for parentLevel. Each
// anchor entry may be either a flat string (a bare parent id, resolved via
// the canonical_{parentLevel} table) or a structured object carrying both
// the id and name directly. Entries that cannot resolve a non-empty name
// are skipped. Always returns RepairLoaderReasonCode alongside the map, for
// callers that want to surface provenance.
func LoadRepairAnchorMap(datasetDir string, parentLevel int) (map[string]RepairAnchorEntry, string, error) {
	raw, err := os.ReadFile(filepath.Join(datasetDir, "repair.json"))
	if err != nil {
		return nil, "", xerrors.Errorf("reading repair.json: %w", err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, "", xerrors.Errorf("parsing repair.json: %w", err)
	}

	var anchors map[string]json.RawMessage
	if v, ok := top["anchors"]; ok {
		if err := json.Unmarshal(v, &anchors); err != nil {
			return nil, "", xerrors.Errorf("parsing repair.json anchors: %w", err)
		}
	}

	canonicalKey := fmt.Sprintf("canonical_%d", parentLevel)
	canonical := map[string]string{}
	if v, ok := top[canonicalKey]; ok {
		if err := json.Unmarshal(v, &canonical); err != nil {
			return nil, "", xerrors.Errorf("parsing repair.json %s: %w", canonicalKey, err)
		}
	}

	normalized := make(map[string]RepairAnchorEntry)
	for childName, rawMapping := range anchors {
		if strings.TrimSpace(childName) == "" {
			continue
		}

		var parentID, parentName string
		var flatID string
		if err := json.Unmarshal(rawMapping, &flatID); err == nil {
			parentID = flatID
			parentName = canonical[flatID]
		} else {
			var structured structuredAnchor
			if err := json.Unmarshal(rawMapping, &structured); err != nil {
				continue
			}
			parentID = structured.ParentID
			parentName = structured.ParentName
		}

		if parentID == "" {
			continue
		}
		if parentName == "" {
			parentName = canonical[parentID]
		}
		if parentName == "" {
			continue
		}

		normalized[childName] = RepairAnchorEntry{Name: parentName, OsmID: parentID}
	}

	return normalized, RepairLoaderReasonCode, nil
}

// LoadDatasetCountryName resolves a human-readable country label from
// dataset_release_manifest.json, falling back through country_name ->
// country_iso -> dataset_id -> "Unknown Country" in that order. A missing
// or malformed manifest is not an error: it degrades to the same fallback.
func LoadDatasetCountryName(datasetDir string) string {
	raw, err := os.ReadFile(filepath.Join(datasetDir, "dataset_release_manifest.json"))
	if err != nil {
		return "Unknown Country"
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return "Unknown Country"
	}

	if name, ok := doc["country_name"].(string); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if iso, ok := doc["country_iso"].(string); ok && strings.TrimSpace(iso) != "" {
		return strings.ToUpper(strings.TrimSpace(iso))
	}
	if id, ok := doc["dataset_id"].(string); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return "Unknown Country"
}

// HierarchyProvider adapts a loaded hierarchy parent map into an
// evidence.Provider, supplying at most one node per missing level (the
// parent level the map was built for) chosen by probing childLevels in
// ascending order against the geometry evidence already collected.
func HierarchyProvider(byChildName map[string]HierarchyParentEntry, childLevels []int, parentLevel int) evidence.Provider {
	return func(geomEvidence map[int]evidence.Node, missing map[int]struct{}) map[int]evidence.Node {
		if _, want := missing[parentLevel]; !want {
			return nil
		}
		for _, level := range childLevels {
			hit, ok := geomEvidence[level]
			if !ok || hit.Name == "" {
				continue
			}
			entry, ok := byChildName[hit.Name]
			if !ok {
				continue
			}
			return map[int]evidence.Node{
				parentLevel: {
					Level:  entry.Level,
					Name:   entry.Name,
					OsmID:  entry.OsmID,
					Source: entry.Source,
				},
			}
		}
		return nil
	}
}

// RepairProvider adapts a loaded repair anchor map into an
// evidence.Provider with the same child-probing strategy as
// HierarchyProvider.
func RepairProvider(anchors map[string]RepairAnchorEntry, childLevels []int, parentLevel int) evidence.Provider {
	return func(geomEvidence map[int]evidence.Node, missing map[int]struct{}) map[int]evidence.Node {
		if _, want := missing[parentLevel]; !want {
			return nil
		}
		for _, level := range childLevels {
			hit, ok := geomEvidence[level]
			if !ok || hit.Name == "" {
				continue
			}
			entry, ok := anchors[hit.Name]
			if !ok {
				continue
			}
			return map[int]evidence.Node{
				parentLevel: {
					Level:  parentLevel,
					Name:   entry.Name,
					OsmID:  entry.OsmID,
					Source: "semantic_anchor",
				},
			}
		}
		return nil
	}
}

// asSortedInts returns the members of set in ascending order. pkg/lookup
// uses it (through SortedLevels) to turn a policy's unordered child-level
// set into the ascending probe order the providers walk.
func asSortedInts(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// SortedLevels exposes asSortedInts for callers assembling providers from
// a policy's child-level sets.
func SortedLevels(set map[int]struct{}) []int {
	return asSortedInts(set)
}
