package cadis

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

func writeSquareFFSF(t *testing.T, dir string, level int, featureID, name string) {
	t.Helper()

	var buf bytes.Buffer
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeF32 := func(v float32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("FFSF")
	writeU32(3)
	writeU32(1)
	writeU32(1)
	writeU32(0)
	writeU32(0)
	writeU32(0)
	writeU32(1)
	writeF32(0)
	writeF32(0)
	writeF32(10)
	writeF32(10)
	writeU32(0)
	writeU32(4 * 2 * 2)
	writeU32(0)
	writeU32(1)
	writeU32(4)
	writeU16(0)
	writeU16(0)
	writeU16(65535)
	writeU16(0)
	writeU16(65535)
	writeU16(65535)
	writeU16(0)
	writeU16(65535)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "geometry.ffsf"), buf.Bytes(), 0o644))

	meta := []ffsf.FeatureMeta{{Level: level, Name: name, FeatureID: featureID, CountryScopeFlag: true}}
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "geometry_meta.json"), metaBytes, 0o644))
}

func writeJSONFile(t *testing.T, dir, name string, doc any) {
	t.Helper()
	b, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), b, 0o644))
}

func buildSingleLevelDataset(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeSquareFFSF(t, dir, 4, "R1", "Test Region")
	writeJSONFile(t, dir, "runtime_policy.json", map[string]any{
		"runtime_policy_version": "1.0.0",
		"allowed_levels":         []any{4},
		"allowed_shapes":         []any{[]any{4}},
		"shape_status":           []any{map[string]any{"levels": []any{4}, "status": "ok"}},
		"layers":                 map[string]any{"hierarchy_required": false, "repair_required": false},
		"hierarchy_repair_rules": map[string]any{"parent_level": 4, "child_levels": []any{}},
		"repair_rules":           map[string]any{"parent_level": 4, "child_levels": []any{}},
	})
	writeJSONFile(t, dir, "dataset_release_manifest.json", map[string]any{
		"country_iso": "ZZ", "country_name": "Zedland", "dataset_id": "zz.admin", "dataset_version": "1.0.0",
	})
	return dir
}

func TestNewBuildsRuntimeOverExistingDataset(t *testing.T) {
	dir := buildSingleLevelDataset(t)

	rt, err := New(dir, "")
	require.NoError(t, err)
	assert.Equal(t, dir, rt.DatasetDir())

	bundle, err := rt.Lookup(5, 5)
	require.NoError(t, err)
	assert.Equal(t, types.StatusOK, bundle.LookupStatus)
	assert.Equal(t, RuntimeVersion, bundle.Version)
	assert.Equal(t, "Zedland", bundle.Result.Country.Name)
}

func TestNewCountryNameOverride(t *testing.T) {
	dir := buildSingleLevelDataset(t)

	rt, err := New(dir, "Override Land")
	require.NoError(t, err)

	bundle, err := rt.Lookup(5, 5)
	require.NoError(t, err)
	assert.Equal(t, "Override Land", bundle.Result.Country.Name)
}

func TestNewMissingDatasetFails(t *testing.T) {
	dir := t.TempDir()
	_, err := New(dir, "")
	require.Error(t, err)
}
