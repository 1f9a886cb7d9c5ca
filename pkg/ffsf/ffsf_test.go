package ffsf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSingleSquareIndex builds a v2 or v3 FFSF blob with one feature, one
// part, whose outer ring is the square [0,10]x[0,10] in degrees
// (quantized corners at 0 and 65535).
func buildSingleSquareIndex(t *testing.T, version uint32, level int, featureID, name string) (ffsfPath, metaPath string) {
	t.Helper()

	var buf bytes.Buffer
	writeU32 := func(v uint32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeF32 := func(v float32) { binary.Write(&buf, binary.LittleEndian, v) }
	writeU16 := func(v uint16) { binary.Write(&buf, binary.LittleEndian, v) }

	buf.WriteString("FFSF")
	writeU32(version)
	writeU32(1) // feature_count
	writeU32(1) // total_part_count

	// FeatureIndex[0]: reserved, reserved, part_start_idx=0, part_count=1
	writeU32(0)
	writeU32(0)
	writeU32(0)
	writeU32(1)

	// PartBBox[0]: 0,0,10,10
	writeF32(0)
	writeF32(0)
	writeF32(10)
	writeF32(10)

	// GeomIndex[0]: byte_offset=0, byte_len=4*2*2=16 (4 points * 2 u16 * 2 bytes), ring_start_idx=0, ring_count=1
	writeU32(0)
	writeU32(4 * 2 * 2)
	writeU32(0)
	writeU32(1)

	// RingIndex[0]: point_count=4
	writeU32(4)

	// GeometryData: square corners quantized: (0,0) (65535,0) (65535,65535) (0,65535)
	writeU16(0)
	writeU16(0)
	writeU16(65535)
	writeU16(0)
	writeU16(65535)
	writeU16(65535)
	writeU16(0)
	writeU16(65535)

	dir := t.TempDir()
	ffsfPath = filepath.Join(dir, "geometry.ffsf")
	require.NoError(t, os.WriteFile(ffsfPath, buf.Bytes(), 0o644))

	meta := []FeatureMeta{{Level: level, Name: name, FeatureID: featureID, CountryScopeFlag: true}}
	metaBytes, err := json.Marshal(meta)
	require.NoError(t, err)
	metaPath = filepath.Join(dir, "geometry_meta.json")
	require.NoError(t, os.WriteFile(metaPath, metaBytes, 0o644))
	return ffsfPath, metaPath
}

func TestContainsInsideAndOutside(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	hits := idx.Contains(Point{X: 5, Y: 5}, []int{4})
	require.Contains(t, hits, 4)
	assert.Equal(t, "R1", hits[4].OsmID)
	assert.Equal(t, "polygon", hits[4].Source)

	hits = idx.Contains(Point{X: 50, Y: 50}, []int{4})
	assert.Empty(t, hits)
}

func TestContainsBoundaryCountsAsInside(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	hits := idx.Contains(Point{X: 0, Y: 5}, []int{4})
	require.Contains(t, hits, 4)
}

func TestNearestRequiresV3(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 2, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	_, err = idx.Nearest(Point{X: 50, Y: 50}, 100, []int{4})
	require.Error(t, err)
}

func TestNearestFindsClosePolygon(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	hits, err := idx.Nearest(Point{X: 10.01, Y: 5}, 50, []int{4})
	require.NoError(t, err)
	require.Contains(t, hits, 4)
	assert.Equal(t, "nearby", hits[4].Source)
}

func TestNearestZeroMaxDistanceReturnsEmpty(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	hits, err := idx.Nearest(Point{X: 10.01, Y: 5}, 0, []int{4})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQuantizeRoundTrip(t *testing.T) {
	q := quantize(5.0, 0, 10)
	deq := float64(q) / 65535.0 * 10
	assert.InDelta(t, 5.0, deq, 10.0/65535.0)
}

func TestDistanceKMToFeatureID(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	d, err := idx.DistanceKMToFeatureID(Point{X: 5, Y: 5}, "R1")
	require.NoError(t, err)
	assert.False(t, math.IsInf(d, 1))

	d, err = idx.DistanceKMToFeatureID(Point{X: 5, Y: 5}, "unknown")
	require.NoError(t, err)
	assert.True(t, math.IsInf(d, 1))
}

func TestBuildCountryScopeAllowlist(t *testing.T) {
	ffsfPath, metaPath := buildSingleSquareIndex(t, 3, 4, "R1", "Test Region")
	idx, err := Load(ffsfPath, metaPath)
	require.NoError(t, err)

	allow := idx.BuildCountryScopeAllowlist([]int{4})
	_, ok := allow[4]["R1"]
	assert.True(t, ok)
}
