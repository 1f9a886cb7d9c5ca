package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateManifestRuntimeCompat(t *testing.T) {
	manifest := map[string]any{
		"runtime_compat": map[string]any{"min": "1.0.0", "max_exclusive": "2.0.0"},
	}

	min, maxExclusive, err := validateManifestRuntimeCompat(manifest, "1.5.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", min)
	assert.Equal(t, "2.0.0", maxExclusive)

	_, _, err = validateManifestRuntimeCompat(manifest, "2.0.0")
	require.Error(t, err)

	_, _, err = validateManifestRuntimeCompat(map[string]any{}, "1.5.0")
	require.Error(t, err)
}

func TestDefaultCompatibilityValidator(t *testing.T) {
	validate := DefaultCompatibilityValidator("1.5.0")

	err := validate(map[string]any{
		"runtime_compat": map[string]any{"min": "1.0.0", "max_exclusive": "2.0.0"},
	})
	require.NoError(t, err)

	err = validate(map[string]any{})
	require.Error(t, err)

	err = validate(map[string]any{
		"runtime_compat": map[string]any{"min": "2.0.0", "max_exclusive": "3.0.0"},
	})
	require.Error(t, err)
}

func TestBundleChecksumField(t *testing.T) {
	assert.Equal(t, "abc", bundleChecksumField(map[string]any{"manifest_bundle_checksum": "abc"}))
	assert.Equal(t, "def", bundleChecksumField(map[string]any{"bundle_checksum": "def"}))
	assert.Equal(t, "", bundleChecksumField(map[string]any{}))
}
