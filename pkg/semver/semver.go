// Package semver implements the runtime↔dataset compatibility check and
// the cache-directory version ordering. Both are deliberately simpler
// than full semver precedence: the ordering is lenient (non-numeric
// tokens sort last), while compatibility parsing is strict (non-numeric
// tokens are an error). A real semver library enforces neither rule, so
// this is hand-rolled rather than imported.
package semver

import (
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// ParseSemver parses a "vMAJOR.MINOR.PATCH..." string (the leading "v" is
// optional) into a tuple of integers. Every dot-separated part must be
// all-digit; otherwise it returns an error naming field for diagnostics.
func ParseSemver(raw, field string) ([]int, error) {
	trimmed := strings.TrimPrefix(raw, "v")
	if trimmed == "" {
		return nil, xerrors.Errorf("%s: empty version string", field)
	}
	parts := strings.Split(trimmed, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || p == "" {
			return nil, xerrors.Errorf("%s: non-numeric version component %q in %q", field, p, raw)
		}
		out[i] = n
	}
	return out, nil
}

// ParseVersionForSort parses the same shape as ParseSemver but never
// errors: any non-numeric component causes it to return nil, which the
// comparison below treats as sorting before every successfully parsed
// tuple. Used only for cache-directory version selection.
func ParseVersionForSort(raw string) []int {
	trimmed := strings.TrimPrefix(raw, "v")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		out[i] = n
	}
	return out
}

// CompareForSort orders two ParseVersionForSort tuples ascending: nil
// (unparseable) sorts before any parsed tuple; among parsed tuples,
// lexicographic integer comparison, then shorter-prefix-first.
func CompareForSort(a, b []int) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] - b[i]
		}
	}
	return len(a) - len(b)
}

// ValidateRuntimeCompatibility enforces min < maxExclusive and
// runtimeVersion ∈ [min, maxExclusive).
func ValidateRuntimeCompatibility(min, maxExclusive, runtimeVersion string) error {
	minV, err := ParseSemver(min, "runtime_compat.min")
	if err != nil {
		return err
	}
	maxV, err := ParseSemver(maxExclusive, "runtime_compat.max_exclusive")
	if err != nil {
		return err
	}
	runtimeV, err := ParseSemver(runtimeVersion, "runtime_version")
	if err != nil {
		return err
	}

	if compareTuples(minV, maxV) >= 0 {
		return xerrors.Errorf("runtime_compat.min %q must be less than max_exclusive %q", min, maxExclusive)
	}
	if compareTuples(runtimeV, minV) < 0 || compareTuples(runtimeV, maxV) >= 0 {
		return xerrors.Errorf("runtime version %q outside compatible range [%q, %q)", runtimeVersion, min, maxExclusive)
	}
	return nil
}

func compareTuples(a, b []int) int {
	for i := 0; i < len(a) || i < len(b); i++ {
		var av, bv int
		if i < len(a) {
			av = a[i]
		}
		if i < len(b) {
			bv = b[i]
		}
		if av != bv {
			return av - bv
		}
	}
	return 0
}
