// Package evidence implements the country-agnostic five-stage evidence
// assembly core: geometry collection, hierarchy repair, semantic-anchor
// repair, merge/filter/dedupe/sort, shape validation, and result
// assembly with dense rank assignment. It must not perform hierarchy
// traversal, repair inference, or semantic judgment itself — those are
// injected via provider function values.
package evidence

import (
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/cadisrt/cadis/pkg/types"
)

// EvidenceType tags the provenance of a Node.
type EvidenceType string

const (
	EvidenceGeometry      EvidenceType = "geometry"
	EvidenceHierarchy     EvidenceType = "hierarchy_repair"
	EvidenceSemanticAnchor EvidenceType = "semantic_anchor"
)

// Node is one in-flight evidence record.
type Node struct {
	Level        int
	Name         string
	OsmID        string
	Source       string
	EvidenceType EvidenceType
}

// Provider resolves missing levels given the evidence collected so far.
// It must consult child levels in ascending order and return at most one
// node per resolved level.
type Provider func(evidence map[int]Node, missingLevels map[int]struct{}) map[int]Node

// StatusEvaluator overrides the policy-driven shape status with a
// caller-supplied judgment (used only by test doubles; production
// pipelines rely on the policy's shape_status_map).
type StatusEvaluator func(nodes []Node) types.LookupStatus

// TelemetryHook observes pipeline stage completions, mirroring the
// original core's loader-reason-code / stage-emission telemetry.
type TelemetryHook func(stage string, payload map[string]any)

const (
	loaderReasonLoadedExternal         = "loaded_external"
	loaderReasonFallbackBundled        = "fallback_bundled"
	loaderReasonFallbackHardcoded      = "fallback_hardcoded"
	loaderReasonRejectedMissingFields  = "rejected_missing_fields"
	loaderReasonRejectedMalformedJSON  = "rejected_malformed_json"
	loaderReasonRejectedCountryMismatch = "rejected_country_mismatch"
)

var loaderReasonCodes = map[string]struct{}{
	loaderReasonLoadedExternal:          {},
	loaderReasonFallbackBundled:         {},
	loaderReasonFallbackHardcoded:       {},
	loaderReasonRejectedMissingFields:   {},
	loaderReasonRejectedMalformedJSON:   {},
	loaderReasonRejectedCountryMismatch: {},
}

// Core holds no country-specific state; it is safe to share across
// concurrent lookups.
type Core struct {
	TelemetryHook TelemetryHook
}

// NewCore builds a Core with an optional telemetry hook; pass nil to
// disable telemetry entirely.
func NewCore(hook TelemetryHook) *Core {
	return &Core{TelemetryHook: hook}
}

func (c *Core) emit(stage string, payload map[string]any) {
	if c.TelemetryHook != nil {
		c.TelemetryHook(stage, payload)
	}
}

// ReportLoaderReasonCode surfaces a loader provenance code through the
// same telemetry channel as the pipeline stages. Unknown codes are
// silently ignored, matching the original's defensive no-op behavior.
func (c *Core) ReportLoaderReasonCode(code, details string) {
	if _, ok := loaderReasonCodes[code]; !ok {
		return
	}
	payload := map[string]any{"code": code}
	if details != "" {
		payload["details"] = details
	}
	c.emit("loader_reason_code", payload)
}

// CollectGeometryEvidence tags each polygon hit with evidence_type
// "geometry" and a default source of "polygon".
func (c *Core) CollectGeometryEvidence(polygonHits map[int]Node) map[int]Node {
	out := make(map[int]Node, len(polygonHits))
	levels := sortedKeys(polygonHits)
	for _, level := range levels {
		node := polygonHits[level]
		node.Level = level
		if node.Source == "" {
			node.Source = "polygon"
		}
		node.EvidenceType = EvidenceGeometry
		out[level] = node
	}
	c.emit("collect_geometry_evidence", map[string]any{
		"levels": levels,
		"count":  len(out),
	})
	return out
}

func normalizeSupplementNodes(
	supplementNodes map[int]Node,
	sourceDefault string,
	evidenceTypeDefault EvidenceType,
	allowedLevels []int,
	existingLevels map[int]struct{},
) map[int]Node {
	out := map[int]Node{}
	if len(supplementNodes) == 0 {
		return out
	}

	allowed := toSet(allowedLevels)
	for _, level := range sortedKeys(supplementNodes) {
		if _, exists := existingLevels[level]; exists {
			continue
		}
		if _, ok := allowed[level]; !ok {
			continue
		}
		node := supplementNodes[level]
		node.Level = level
		if node.Source == "" {
			node.Source = sourceDefault
		}
		node.EvidenceType = evidenceTypeDefault
		out[level] = node
	}
	return out
}

// SupplementFromHierarchy consults hierarchyProvider for levels missing
// from geometryEvidence, tagging additions with source
// "admin_tree_name"/evidence_type "hierarchy_repair".
func (c *Core) SupplementFromHierarchy(geometryEvidence map[int]Node, allowedLevels []int, hierarchyProvider Provider) map[int]Node {
	missing := missingLevels(allowedLevels, geometryEvidence)
	var raw map[int]Node
	if hierarchyProvider != nil && len(missing) > 0 {
		raw = hierarchyProvider(geometryEvidence, missing)
	}

	supplemented := normalizeSupplementNodes(raw, "admin_tree_name", EvidenceHierarchy, allowedLevels, existingSet(geometryEvidence))
	c.emit("supplement_from_hierarchy", map[string]any{
		"missing_levels": sortedSetKeys(missing),
		"added_levels":   sortedKeys(supplemented),
		"count":          len(supplemented),
	})
	return supplemented
}

// SupplementFromRepairDataset consults repairProvider for levels still
// missing after hierarchy merge, tagging additions with source
// "semantic_anchor"/evidence_type "semantic_anchor".
func (c *Core) SupplementFromRepairDataset(mergedEvidence map[int]Node, allowedLevels []int, repairProvider Provider) map[int]Node {
	missing := missingLevels(allowedLevels, mergedEvidence)
	var raw map[int]Node
	if repairProvider != nil && len(missing) > 0 {
		raw = repairProvider(mergedEvidence, missing)
	}

	supplemented := normalizeSupplementNodes(raw, "semantic_anchor", EvidenceSemanticAnchor, allowedLevels, existingSet(mergedEvidence))
	c.emit("supplement_from_repair_dataset", map[string]any{
		"missing_levels": sortedSetKeys(missing),
		"added_levels":   sortedKeys(supplemented),
		"count":          len(supplemented),
	})
	return supplemented
}

// mergeInPriorityOrder merges layers in priority order (first wins per
// level): geometry, then hierarchy, then repair.
func mergeInPriorityOrder(layers ...map[int]Node) map[int]Node {
	merged := map[int]Node{}
	for _, layer := range layers {
		for _, level := range sortedKeys(layer) {
			if _, exists := merged[level]; !exists {
				merged[level] = layer[level]
			}
		}
	}
	return merged
}

// FilterAllowedLevels removes nodes whose level is not in allowedLevels,
// preserving relative order.
func FilterAllowedLevels(nodes []Node, allowedLevels []int) []Node {
	allowed := toSet(allowedLevels)
	return lo.Filter(nodes, func(n Node, _ int) bool {
		_, ok := allowed[n.Level]
		return ok
	})
}

// SortByLevel stable-sorts nodes ascending by level.
func SortByLevel(nodes []Node) []Node {
	out := make([]Node, len(nodes))
	copy(out, nodes)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

type dedupeKey struct {
	level  int
	osmID  string
	name   string
	source string
}

// Deduplicate removes exact duplicates keyed by (level, osm_id, name, source).
func Deduplicate(nodes []Node) []Node {
	return lo.UniqBy(nodes, func(n Node) dedupeKey {
		return dedupeKey{level: n.Level, osmID: n.OsmID, name: n.Name, source: n.Source}
	})
}

// ValidateAllowedShapes computes the sorted unique level set of nodes and
// resolves it against allowedShapes/shapeStatusMap.
func (c *Core) ValidateAllowedShapes(nodes []Node, allowedShapes map[string]struct{}, shapeStatusMap map[string]types.LookupStatus) (types.LookupStatus, []int) {
	shape := uniqueSortedLevels(nodes)
	shapeKey := ShapeKey(shape)

	var status types.LookupStatus
	if _, ok := allowedShapes[shapeKey]; !ok {
		status = types.StatusFailed
	} else if s, ok := shapeStatusMap[shapeKey]; ok {
		status = s
	} else {
		status = types.StatusPartial
	}

	c.emit("validate_allowed_shapes", map[string]any{
		"shape":  shape,
		"status": status,
	})
	return status, shape
}

func assignRank(nodes []Node) []types.AdminHierarchyNode {
	ranked := make([]types.AdminHierarchyNode, len(nodes))
	for i, n := range nodes {
		ranked[i] = types.AdminHierarchyNode{
			Rank:   i,
			OsmID:  n.OsmID,
			Level:  n.Level,
			Name:   n.Name,
			Source: n.Source,
		}
	}
	return ranked
}

// AssembleOptions carries the envelope fields assemble_result needs
// beyond the node list and status.
type AssembleOptions struct {
	Engine        string
	Version       string
	CountryName   string
	ResultSource  string
	ContextAnchor *types.ContextAnchor
}

// AssembleResult sorts nodes by level, assigns a dense 0-based rank, and
// builds the public result envelope.
func (c *Core) AssembleResult(nodes []Node, status types.LookupStatus, opts AssembleOptions) types.LookupResponse {
	rankedNodes := assignRank(SortByLevel(nodes))
	c.emit("assemble_result", map[string]any{
		"status": status,
		"count":  len(rankedNodes),
	})
	return buildBaseResult(rankedNodes, status, opts)
}

func buildBaseResult(nodes []types.AdminHierarchyNode, status types.LookupStatus, opts AssembleOptions) types.LookupResponse {
	result := types.LookupResult{
		Country:        types.CountryInfo{Level: 2, Name: opts.CountryName},
		AdminHierarchy: nodes,
	}
	if opts.ResultSource != "" {
		result.Source = opts.ResultSource
	}
	if opts.ContextAnchor != nil {
		result.ContextAnchor = opts.ContextAnchor
	}
	return types.LookupResponse{
		LookupStatus: status,
		Engine:       opts.Engine,
		Version:      opts.Version,
		Result:       result,
	}
}

// RunOptions bundles everything RunPipeline needs beyond the raw
// geometry hits.
type RunOptions struct {
	AllowedLevels     []int
	AllowedShapes     map[string]struct{}
	ShapeStatusMap    map[string]types.LookupStatus
	HierarchyProvider Provider
	RepairProvider    Provider
	StatusEvaluator   StatusEvaluator
	Engine            string
	Version           string
	CountryName       string
	ResultSource      string
	ContextAnchor     *types.ContextAnchor
}

// RunPipeline executes the full five-stage assembly and returns the
// public result envelope.
func (c *Core) RunPipeline(polygonHits map[int]Node, opts RunOptions) types.LookupResponse {
	geometry := c.CollectGeometryEvidence(polygonHits)

	hierarchySupplement := c.SupplementFromHierarchy(geometry, opts.AllowedLevels, opts.HierarchyProvider)
	mergedAfterHierarchy := mergeInPriorityOrder(geometry, hierarchySupplement)

	repairSupplement := c.SupplementFromRepairDataset(mergedAfterHierarchy, opts.AllowedLevels, opts.RepairProvider)
	merged := mergeInPriorityOrder(geometry, hierarchySupplement, repairSupplement)

	nodes := collectNodes(merged)
	nodes = FilterAllowedLevels(nodes, opts.AllowedLevels)
	nodes = SortByLevel(nodes)
	nodes = Deduplicate(nodes)

	status, shape := c.ValidateAllowedShapes(nodes, opts.AllowedShapes, opts.ShapeStatusMap)
	if opts.StatusEvaluator != nil {
		status = opts.StatusEvaluator(nodes)
		c.emit("validate_allowed_shapes_override", map[string]any{
			"shape":  shape,
			"status": status,
		})
	}

	finalNodes := nodes
	if status == types.StatusFailed {
		finalNodes = nil
	}

	return c.AssembleResult(finalNodes, status, AssembleOptions{
		Engine:        opts.Engine,
		Version:       opts.Version,
		CountryName:   opts.CountryName,
		ResultSource:  opts.ResultSource,
		ContextAnchor: opts.ContextAnchor,
	})
}

func collectNodes(evidence map[int]Node) []Node {
	return lo.Map(sortedKeys(evidence), func(l int, _ int) Node { return evidence[l] })
}

func missingLevels(allowedLevels []int, existing map[int]Node) map[int]struct{} {
	out := map[int]struct{}{}
	for _, l := range allowedLevels {
		if _, ok := existing[l]; !ok {
			out[l] = struct{}{}
		}
	}
	return out
}

func existingSet(m map[int]Node) map[int]struct{} {
	out := make(map[int]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func toSet(levels []int) map[int]struct{} {
	out := make(map[int]struct{}, len(levels))
	for _, l := range levels {
		out[l] = struct{}{}
	}
	return out
}

func sortedKeys(m map[int]Node) []int {
	out := lo.Keys(m)
	sort.Ints(out)
	return out
}

func sortedSetKeys(m map[int]struct{}) []int {
	out := lo.Keys(m)
	sort.Ints(out)
	return out
}

func uniqueSortedLevels(nodes []Node) []int {
	levels := lo.Uniq(lo.Map(nodes, func(n Node, _ int) int { return n.Level }))
	sort.Ints(levels)
	return levels
}

// ShapeKey renders a sorted level tuple as a map key usable in
// allowed_shapes/shape_status_map comparisons (Go slices cannot be map
// keys directly).
func ShapeKey(levels []int) string {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = strconv.Itoa(l)
	}
	return strings.Join(parts, ",")
}
