package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadisrt/cadis/pkg/types"
)

func allowedShapeSet(shapes ...[]int) map[string]struct{} {
	out := map[string]struct{}{}
	for _, s := range shapes {
		out[ShapeKey(s)] = struct{}{}
	}
	return out
}

func TestPureGeometryOK(t *testing.T) {
	core := NewCore(nil)
	hits := map[int]Node{
		2: {Name: "Japan", OsmID: "R1"},
		4: {Name: "Tokyo", OsmID: "R2"},
		6: {Name: "Shinjuku", OsmID: "R3"},
		8: {Name: "Kabukicho", OsmID: "R4"},
	}

	resp := core.RunPipeline(hits, RunOptions{
		AllowedLevels:  []int{2, 4, 6, 8},
		AllowedShapes:  allowedShapeSet([]int{2, 4, 6, 8}),
		ShapeStatusMap: map[string]types.LookupStatus{ShapeKey([]int{2, 4, 6, 8}): types.StatusOK},
		Engine:         "cadis",
		Version:        "1.0.0",
		CountryName:    "Japan",
	})

	require.Equal(t, types.StatusOK, resp.LookupStatus)
	require.Len(t, resp.Result.AdminHierarchy, 4)
	for i, n := range resp.Result.AdminHierarchy {
		assert.Equal(t, i, n.Rank)
		assert.Equal(t, "polygon", n.Source)
	}
	assert.Equal(t, []int{2, 4, 6, 8}, levelsOf(resp.Result.AdminHierarchy))
}

func TestHierarchyRepairPromoted(t *testing.T) {
	core := NewCore(nil)
	hits := map[int]Node{
		6: {Name: "Shinjuku", OsmID: "R3"},
		8: {Name: "Kabukicho", OsmID: "R4"},
	}
	hierarchyProvider := func(evidence map[int]Node, missing map[int]struct{}) map[int]Node {
		if _, want := missing[4]; !want {
			return nil
		}
		if n, ok := evidence[6]; ok && n.Name == "Shinjuku" {
			return map[int]Node{4: {Name: "Tokyo", OsmID: "P1"}}
		}
		return nil
	}

	resp := core.RunPipeline(hits, RunOptions{
		AllowedLevels:     []int{2, 4, 6, 8},
		AllowedShapes:     allowedShapeSet([]int{4, 6, 8}),
		ShapeStatusMap:    map[string]types.LookupStatus{ShapeKey([]int{4, 6, 8}): types.StatusPartial},
		HierarchyProvider: hierarchyProvider,
		Engine:            "cadis",
		Version:           "1.0.0",
		CountryName:       "Japan",
	})

	require.Equal(t, types.StatusPartial, resp.LookupStatus)
	require.Len(t, resp.Result.AdminHierarchy, 3)
	assert.Equal(t, "admin_tree_name", resp.Result.AdminHierarchy[0].Source)
	assert.Equal(t, 4, resp.Result.AdminHierarchy[0].Level)
}

func TestSemanticAnchorRepair(t *testing.T) {
	core := NewCore(nil)
	hits := map[int]Node{
		8: {Name: "Kabukicho", OsmID: "R4"},
	}
	repairProvider := func(evidence map[int]Node, missing map[int]struct{}) map[int]Node {
		if _, want := missing[4]; !want {
			return nil
		}
		if n, ok := evidence[8]; ok && n.Name == "Kabukicho" {
			return map[int]Node{4: {Name: "Tokyo", OsmID: "Anchor1"}}
		}
		return nil
	}

	resp := core.RunPipeline(hits, RunOptions{
		AllowedLevels:  []int{2, 4, 6, 8},
		AllowedShapes:  allowedShapeSet([]int{4, 8}),
		RepairProvider: repairProvider,
		Engine:         "cadis",
		Version:        "1.0.0",
		CountryName:    "Japan",
	})

	require.Len(t, resp.Result.AdminHierarchy, 2)
	assert.Equal(t, "semantic_anchor", resp.Result.AdminHierarchy[0].Source)
}

func TestShapeFailureYieldsEmptyHierarchy(t *testing.T) {
	core := NewCore(nil)
	hits := map[int]Node{
		6: {Name: "Shinjuku", OsmID: "R3"},
	}

	resp := core.RunPipeline(hits, RunOptions{
		AllowedLevels: []int{2, 4, 6, 8},
		AllowedShapes: allowedShapeSet([]int{2, 4, 6, 8}),
		Engine:        "cadis",
		Version:       "1.0.0",
		CountryName:   "Japan",
	})

	assert.Equal(t, types.StatusFailed, resp.LookupStatus)
	assert.Empty(t, resp.Result.AdminHierarchy)
}

func TestDeduplicateByFullKey(t *testing.T) {
	nodes := []Node{
		{Level: 4, OsmID: "R2", Name: "Tokyo", Source: "polygon"},
		{Level: 4, OsmID: "R2", Name: "Tokyo", Source: "polygon"},
	}
	assert.Len(t, Deduplicate(nodes), 1)
}

func levelsOf(nodes []types.AdminHierarchyNode) []int {
	out := make([]int, len(nodes))
	for i, n := range nodes {
		out[i] = n.Level
	}
	return out
}
