// Package policy parses and validates runtime_policy.json and the
// semantic overlays it declares, enforcing every structural rule the
// dataset bundle contract requires before a lookup pipeline can trust it.
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/cadisrt/cadis/pkg/cadiserr"
	"github.com/cadisrt/cadis/pkg/evidence"
	"github.com/cadisrt/cadis/pkg/types"
)

// OptionalLayerDeclaration is one declared semantic-overlay file.
type OptionalLayerDeclaration struct {
	Name          string
	File          string
	Type          string
	Stage         string
	Deterministic bool
}

// RuntimePolicy is the immutable, validated policy for one dataset.
type RuntimePolicy struct {
	RuntimePolicyVersion   string
	AllowedLevels          []int
	AllowedShapes          map[string]struct{}
	ShapeStatusMap         map[string]types.LookupStatus
	HierarchyParentLevel   int
	HierarchyChildLevels   map[int]struct{}
	RepairParentLevel      int
	RepairChildLevels      map[int]struct{}
	HierarchyRequired      bool
	RepairRequired         bool
	NearbyFallbackEnabled  bool
	NearbyMaxDistanceKM    *float64
	OffshoreMaxDistanceKM  *float64
	OptionalLayers         []OptionalLayerDeclaration
}

func invalid(datasetDir, reason string) error {
	return cadiserr.NewRuntimePolicyInvalid(datasetDir, reason)
}

// LoadRuntimePolicy parses and validates runtime_policy.json inside
// datasetDir.
func LoadRuntimePolicy(datasetDir string) (*RuntimePolicy, error) {
	policyPath := filepath.Join(datasetDir, "runtime_policy.json")
	raw, err := os.ReadFile(policyPath)
	if err != nil {
		return nil, invalid(datasetDir, "runtime_policy.json is missing.")
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, invalid(datasetDir, fmt.Sprintf("runtime_policy.json is malformed JSON: %v", err))
	}

	version, ok := doc["runtime_policy_version"].(string)
	if !ok || strings.TrimSpace(version) == "" {
		return nil, invalid(datasetDir, "runtime_policy_version is required.")
	}

	allowedLevels, err := asIntList(doc["allowed_levels"], "allowed_levels", datasetDir, false)
	if err != nil {
		return nil, err
	}
	allowedSet := toIntSet(allowedLevels)

	allowedShapes, err := parseAllowedShapes(doc["allowed_shapes"], allowedSet, datasetDir)
	if err != nil {
		return nil, err
	}

	shapeStatusMap, err := parseShapeStatusMap(doc["shape_status"], allowedShapes, datasetDir)
	if err != nil {
		return nil, err
	}

	layersRaw, ok := doc["layers"].(map[string]any)
	if !ok {
		return nil, invalid(datasetDir, "layers must be an object.")
	}
	hierarchyRequired, ok := layersRaw["hierarchy_required"].(bool)
	if !ok {
		return nil, invalid(datasetDir, "layers.hierarchy_required must be boolean.")
	}
	repairRequired, ok := layersRaw["repair_required"].(bool)
	if !ok {
		return nil, invalid(datasetDir, "layers.repair_required must be boolean.")
	}

	hierarchyParentLevel, hierarchyChildSet, err := parseRepairRule(
		doc["hierarchy_repair_rules"], "hierarchy_repair_rules", datasetDir, !hierarchyRequired)
	if err != nil {
		return nil, err
	}
	repairParentLevel, repairChildSet, err := parseRepairRule(
		doc["repair_rules"], "repair_rules", datasetDir, !repairRequired)
	if err != nil {
		return nil, err
	}

	if _, ok := allowedSet[hierarchyParentLevel]; !ok {
		return nil, invalid(datasetDir, "hierarchy_repair_rules.parent_level must be in allowed_levels.")
	}
	if _, ok := allowedSet[repairParentLevel]; !ok {
		return nil, invalid(datasetDir, "repair_rules.parent_level must be in allowed_levels.")
	}
	for c := range hierarchyChildSet {
		if _, ok := allowedSet[c]; !ok {
			return nil, invalid(datasetDir, "hierarchy_repair_rules.child_levels must be in allowed_levels.")
		}
	}
	for c := range repairChildSet {
		if _, ok := allowedSet[c]; !ok {
			return nil, invalid(datasetDir, "repair_rules.child_levels must be in allowed_levels.")
		}
	}

	nearbyEnabled, nearbyMax, offshoreMax, err := parseNearbyPolicy(doc["nearby_policy"], datasetDir)
	if err != nil {
		return nil, err
	}

	optionalLayers, err := parseOptionalLayers(doc["optional_layers"], datasetDir)
	if err != nil {
		return nil, err
	}

	return &RuntimePolicy{
		RuntimePolicyVersion:  strings.TrimSpace(version),
		AllowedLevels:         sortedIntSet(allowedSet),
		AllowedShapes:         allowedShapes,
		ShapeStatusMap:        shapeStatusMap,
		HierarchyParentLevel:  hierarchyParentLevel,
		HierarchyChildLevels:  hierarchyChildSet,
		RepairParentLevel:     repairParentLevel,
		RepairChildLevels:     repairChildSet,
		HierarchyRequired:     hierarchyRequired,
		RepairRequired:        repairRequired,
		NearbyFallbackEnabled: nearbyEnabled,
		NearbyMaxDistanceKM:   nearbyMax,
		OffshoreMaxDistanceKM: offshoreMax,
		OptionalLayers:        optionalLayers,
	}, nil
}

func asIntList(value any, field, datasetDir string, allowEmpty bool) ([]int, error) {
	list, ok := value.([]any)
	if !ok || (len(list) == 0 && !allowEmpty) {
		return nil, invalid(datasetDir, fmt.Sprintf("%s must be a non-empty list.", field))
	}
	out := make([]int, 0, len(list))
	seen := map[int]struct{}{}
	for _, item := range list {
		n, ok := asInt(item)
		if !ok {
			return nil, invalid(datasetDir, fmt.Sprintf("%s entries must be integers.", field))
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// asInt accepts JSON numbers (decoded as float64) that are integral.
func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok || f != float64(int64(f)) {
		return 0, false
	}
	return int(f), true
}

func toIntSet(values []int) map[int]struct{} {
	out := make(map[int]struct{}, len(values))
	for _, v := range values {
		out[v] = struct{}{}
	}
	return out
}

func sortedIntSet(set map[int]struct{}) []int {
	out := make([]int, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func parseAllowedShapes(value any, allowedSet map[int]struct{}, datasetDir string) (map[string]struct{}, error) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, invalid(datasetDir, "allowed_shapes must be a non-empty list.")
	}
	out := map[string]struct{}{}
	for _, entry := range list {
		shapeList, ok := entry.([]any)
		if !ok || len(shapeList) == 0 {
			return nil, invalid(datasetDir, "allowed_shapes entries must be non-empty integer lists.")
		}
		shapeSet := map[int]struct{}{}
		for _, v := range shapeList {
			n, ok := asInt(v)
			if !ok {
				return nil, invalid(datasetDir, "allowed_shapes entries must contain integers only.")
			}
			shapeSet[n] = struct{}{}
		}
		shape := sortedIntSet(shapeSet)
		for _, l := range shape {
			if _, ok := allowedSet[l]; !ok {
				return nil, invalid(datasetDir, "allowed_shapes contains levels outside allowed_levels.")
			}
		}
		out[evidence.ShapeKey(shape)] = struct{}{}
	}
	if len(out) == 0 {
		return nil, invalid(datasetDir, "allowed_shapes resolved to empty set.")
	}
	return out, nil
}

func parseShapeStatusMap(value any, allowedShapes map[string]struct{}, datasetDir string) (map[string]types.LookupStatus, error) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, invalid(datasetDir, "shape_status must be a non-empty list.")
	}
	out := map[string]types.LookupStatus{}
	for _, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, invalid(datasetDir, "shape_status entries must be objects.")
		}
		levelsRaw, ok := obj["levels"].([]any)
		if !ok || len(levelsRaw) == 0 {
			return nil, invalid(datasetDir, "shape_status.levels must be a non-empty list.")
		}
		statusRaw, _ := obj["status"].(string)
		status := types.LookupStatus(statusRaw)
		if !lo.Contains([]types.LookupStatus{types.StatusOK, types.StatusPartial, types.StatusFailed}, status) {
			return nil, invalid(datasetDir, "shape_status.status must be one of ok/partial/failed.")
		}
		shapeSet := map[int]struct{}{}
		for _, v := range levelsRaw {
			n, ok := asInt(v)
			if !ok {
				return nil, invalid(datasetDir, "shape_status.levels entries must be integers.")
			}
			shapeSet[n] = struct{}{}
		}
		shapeKey := evidence.ShapeKey(sortedIntSet(shapeSet))
		if _, ok := allowedShapes[shapeKey]; !ok {
			return nil, invalid(datasetDir, "shape_status references shape not in allowed_shapes.")
		}
		out[shapeKey] = status
	}
	if len(out) == 0 {
		return nil, invalid(datasetDir, "shape_status map resolved to empty.")
	}
	return out, nil
}

func parseRepairRule(value any, field, datasetDir string, allowEmptyChildren bool) (int, map[int]struct{}, error) {
	obj, ok := value.(map[string]any)
	if !ok {
		return 0, nil, invalid(datasetDir, fmt.Sprintf("%s must be an object.", field))
	}
	parentLevel, ok := asInt(obj["parent_level"])
	if !ok {
		return 0, nil, invalid(datasetDir, fmt.Sprintf("%s.parent_level must be integer.", field))
	}
	childLevels, err := asIntList(obj["child_levels"], field+".child_levels", datasetDir, allowEmptyChildren)
	if err != nil {
		return 0, nil, err
	}
	return parentLevel, toIntSet(childLevels), nil
}

func parseNearbyPolicy(value any, datasetDir string) (enabled bool, maxKM, offshoreKM *float64, err error) {
	obj, _ := value.(map[string]any)
	if obj == nil {
		obj = map[string]any{}
	}

	enabled = true
	if v, present := obj["enabled"]; present {
		b, ok := v.(bool)
		if !ok {
			return false, nil, nil, invalid(datasetDir, "nearby_policy.enabled must be boolean.")
		}
		enabled = b
	}

	maxKM, err = parseOptionalPositiveFloat(obj, "max_distance_km", 2.0, "nearby_policy.max_distance_km", datasetDir)
	if err != nil {
		return false, nil, nil, err
	}
	offshoreKM, err = parseOptionalPositiveFloat(obj, "offshore_max_distance_km", 20.0, "nearby_policy.offshore_max_distance_km", datasetDir)
	if err != nil {
		return false, nil, nil, err
	}

	if maxKM != nil && offshoreKM != nil && *maxKM > *offshoreKM {
		return false, nil, nil, invalid(datasetDir, "nearby_policy.max_distance_km must be <= nearby_policy.offshore_max_distance_km.")
	}
	return enabled, maxKM, offshoreKM, nil
}

func parseOptionalPositiveFloat(obj map[string]any, key string, defaultValue float64, fieldName, datasetDir string) (*float64, error) {
	v, present := obj[key]
	if !present {
		d := defaultValue
		return &d, nil
	}
	if v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, invalid(datasetDir, fmt.Sprintf("%s must be number or null.", fieldName))
	}
	if f <= 0 {
		return nil, invalid(datasetDir, fmt.Sprintf("%s must be > 0 when present.", fieldName))
	}
	return &f, nil
}

func parseOptionalLayers(value any, datasetDir string) ([]OptionalLayerDeclaration, error) {
	if value == nil {
		return nil, nil
	}
	list, ok := value.([]any)
	if !ok {
		return nil, invalid(datasetDir, "optional_layers must be a list when present.")
	}

	out := make([]OptionalLayerDeclaration, 0, len(list))
	seenNames := map[string]struct{}{}
	for idx, entry := range list {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d] must be an object.", idx))
		}
		name, _ := obj["name"].(string)
		if strings.TrimSpace(name) == "" {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].name is required.", idx))
		}
		if _, dup := seenNames[name]; dup {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers has duplicate name: %q.", name))
		}
		seenNames[name] = struct{}{}

		file, _ := obj["file"].(string)
		file = strings.TrimSpace(file)
		if file == "" {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].file is required.", idx))
		}
		if filepath.IsAbs(file) || pathTraversal(file) {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].file must be a relative path within dataset root.", idx))
		}

		layerType, _ := obj["type"].(string)
		if layerType != "semantic_overlay" {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].type must be 'semantic_overlay'.", idx))
		}
		stage, _ := obj["stage"].(string)
		if stage != "post_status" {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].stage must be 'post_status'.", idx))
		}
		det, ok := obj["deterministic"].(bool)
		if !ok || !det {
			return nil, invalid(datasetDir, fmt.Sprintf("optional_layers[%d].deterministic must be true.", idx))
		}

		out = append(out, OptionalLayerDeclaration{
			Name:          strings.TrimSpace(name),
			File:          filepath.ToSlash(file),
			Type:          layerType,
			Stage:         stage,
			Deterministic: true,
		})
	}
	return out, nil
}

func pathTraversal(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// EnsureDeclaredOverlayFilesPresent raises DatasetNotBootstrapped if any
// declared overlay file is absent from disk.
func EnsureDeclaredOverlayFilesPresent(datasetDir string, p *RuntimePolicy) error {
	var missing []string
	for _, decl := range p.OptionalLayers {
		if _, err := os.Stat(filepath.Join(datasetDir, decl.File)); err != nil {
			missing = append(missing, decl.File)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return cadiserr.NewDatasetNotBootstrapped(datasetDir, missing)
	}
	return nil
}
