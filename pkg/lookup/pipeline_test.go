package lookup

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadisrt/cadis/pkg/ffsf"
	"github.com/cadisrt/cadis/pkg/types"
)

// squareFeature describes one v3 feature written by writeFFSF, whose outer
// ring is the rectangle [minX,maxX]x[minY,maxY] in degrees, at the given level.
type squareFeature struct {
	level                  int
	featureID, name        string
	minX, minY, maxX, maxY float64
}

func writeFFSF(t *testing.T, dir string, features []squareFeature) (ffsfPath, metaPath string) {
	t.Helper()

	var buf bytes.Buffer
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeF32 := func(v float32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("FFSF")
	writeU32(3)
	writeU32(uint32(len(features)))
	writeU32(uint32(len(features)))

	for i := range features {
		writeU32(0)
		writeU32(0)
		writeU32(uint32(i))
		writeU32(1)
	}
	for _, f := range features {
		writeF32(float32(f.minX))
		writeF32(float32(f.minY))
		writeF32(float32(f.maxX))
		writeF32(float32(f.maxY))
	}
	for i := range features {
		writeU32(0)
		writeU32(4 * 2 * 2)
		writeU32(uint32(i))
		writeU32(1)
	}
	for range features {
		writeU32(4)
	}
	for range features {
		writeU16(0)
		writeU16(0)
		writeU16(65535)
		writeU16(0)
		writeU16(65535)
		writeU16(65535)
		writeU16(0)
		writeU16(65535)
	}

	ffsfPath = filepath.Join(dir, "geometry.ffsf")
	require.NoError(t, os.WriteFile(ffsfPath, buf.Bytes(), 0o644))

	meta := make([]ffsf.FeatureMeta, len(features))
	for i, f := range features {
		meta[i] = ffsf.FeatureMeta{Level: f.level, Name: f.name, FeatureID: f.featureID, CountryScopeFlag: true}
	}
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)
	metaPath = filepath.Join(dir, "geometry_meta.json")
	require.NoError(t, os.WriteFile(metaPath, metaBytes, 0o644))
	return ffsfPath, metaPath
}

func writeJSON(t *testing.T, dir, name string, doc any) {
	t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
}

func basePolicyDoc() map[string]any {
	return map[string]any{
		"runtime_policy_version": "1.0.0",
		"allowed_levels":         []any{2, 4},
		"allowed_shapes":         []any{[]any{2, 4}},
		"shape_status":           []any{map[string]any{"levels": []any{2, 4}, "status": "ok"}},
		"layers":                 map[string]any{"hierarchy_required": false, "repair_required": false},
		"hierarchy_repair_rules": map[string]any{"parent_level": 2, "child_levels": []any{}},
		"repair_rules":           map[string]any{"parent_level": 2, "child_levels": []any{}},
	}
}

func buildDatasetDir(t *testing.T, features []squareFeature, policyDoc map[string]any) string {
	t.Helper()
	dir := t.TempDir()
	writeFFSF(t, dir, features)
	writeJSON(t, dir, "runtime_policy.json", policyDoc)
	writeJSON(t, dir, "dataset_release_manifest.json", map[string]any{
		"country_iso": "ZZ", "country_name": "Zedland", "dataset_id": "zz.admin", "dataset_version": "1.0.0",
	})
	return dir
}

func TestPipelineLookupPureGeometryOK(t *testing.T) {
	dir := buildDatasetDir(t, []squareFeature{
		{level: 2, featureID: "C1", name: "Zedland", minX: 0, minY: 0, maxX: 100, maxY: 100},
		{level: 4, featureID: "R1", name: "Zedland Region", minX: 0, minY: 0, maxX: 10, maxY: 10},
	}, basePolicyDoc())

	p, err := New(dir, Options{Version: "9.9.9"})
	require.NoError(t, err)

	bundle, err := p.Lookup(5, 5)
	require.NoError(t, err)

	assert.Equal(t, types.StatusOK, bundle.LookupStatus)
	assert.Equal(t, "cadis", bundle.Engine)
	assert.Equal(t, "9.9.9", bundle.Version)
	require.Len(t, bundle.Result.AdminHierarchy, 2)
	assert.Equal(t, 0, bundle.Result.AdminHierarchy[0].Rank)
	assert.Equal(t, 2, bundle.Result.AdminHierarchy[0].Level)
	assert.Equal(t, 1, bundle.Result.AdminHierarchy[1].Rank)
	assert.Equal(t, 4, bundle.Result.AdminHierarchy[1].Level)
	assert.Equal(t, "Zedland", bundle.Result.Country.Name)
}

func TestPipelineLookupShapeFailure(t *testing.T) {
	doc := basePolicyDoc()
	dir := buildDatasetDir(t, []squareFeature{
		{level: 4, featureID: "R1", name: "Zedland Region", minX: 0, minY: 0, maxX: 10, maxY: 10},
	}, doc)

	p, err := New(dir, Options{})
	require.NoError(t, err)

	bundle, err := p.Lookup(5, 5)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, bundle.LookupStatus)
	assert.Empty(t, bundle.Result.AdminHierarchy)
}

func TestPipelineLookupNoContainingPolygon(t *testing.T) {
	dir := buildDatasetDir(t, []squareFeature{
		{level: 2, featureID: "C1", name: "Zedland", minX: 0, minY: 0, maxX: 10, maxY: 10},
		{level: 4, featureID: "R1", name: "Zedland Region", minX: 0, minY: 0, maxX: 10, maxY: 10},
	}, basePolicyDoc())

	p, err := New(dir, Options{})
	require.NoError(t, err)

	bundle, err := p.Lookup(90, 90)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, bundle.LookupStatus)
	assert.Empty(t, bundle.Result.AdminHierarchy)
}

func TestPipelineLookupHierarchyRepair(t *testing.T) {
	doc := map[string]any{
		"runtime_policy_version": "1.0.0",
		"allowed_levels":         []any{2, 4, 6},
		"allowed_shapes":         []any{[]any{4, 6}},
		"shape_status":           []any{map[string]any{"levels": []any{4, 6}, "status": "partial"}},
		"layers":                 map[string]any{"hierarchy_required": true, "repair_required": false},
		"hierarchy_repair_rules": map[string]any{"parent_level": 4, "child_levels": []any{6}},
		"repair_rules":           map[string]any{"parent_level": 4, "child_levels": []any{}},
	}
	dir := buildDatasetDir(t, []squareFeature{
		{level: 6, featureID: "L1", name: "Locality One", minX: 0, minY: 0, maxX: 10, maxY: 10},
	}, doc)
	writeJSON(t, dir, "hierarchy.json", map[string]any{
		"nodes": []any{
			map[string]any{"id": "p1", "parent_id": "", "level": 4, "name": "Region One"},
			map[string]any{"id": "c1", "parent_id": "p1", "level": 6, "name": "Locality One"},
		},
	})

	p, err := New(dir, Options{})
	require.NoError(t, err)

	bundle, err := p.Lookup(5, 5)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartial, bundle.LookupStatus)
	require.Len(t, bundle.Result.AdminHierarchy, 2)
	assert.Equal(t, 4, bundle.Result.AdminHierarchy[0].Level)
	assert.Equal(t, "admin_tree_name", bundle.Result.AdminHierarchy[0].Source)
	assert.Equal(t, "Region One", bundle.Result.AdminHierarchy[0].Name)
	assert.Equal(t, 6, bundle.Result.AdminHierarchy[1].Level)
}

func TestNewMissingRequiredFile(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, Options{})
	require.Error(t, err)
}
