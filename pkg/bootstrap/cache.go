package bootstrap

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/utils/clock"
)

// pathValidationTTL bounds how long a previously-validated dataset
// directory is trusted without re-parsing runtime_policy.json. It is
// short enough that a dataset directory corrupted out from under a
// long-running process is re-detected promptly, but long enough to avoid
// re-validating on every lookup in a bootstrap-heavy retry loop.
const pathValidationTTL = 5 * time.Minute

// PathValidationCache remembers which dataset directory paths have
// recently passed ValidateCachedDatasetDir, so a process that repeatedly
// bootstraps the same country/version does not re-parse
// runtime_policy.json on every call. Nil-safe: a nil *PathValidationCache
// behaves as always-miss.
type PathValidationCache struct {
	entries *lru.Cache[string, time.Time]
	clock   clock.Clock
	ttl     time.Duration
}

// NewPathValidationCache builds a cache holding up to size validated
// paths, using the real wall clock.
func NewPathValidationCache(size int) *PathValidationCache {
	c, err := lru.New[string, time.Time](size)
	if err != nil {
		// size <= 0; fall back to a single-entry cache rather than failing
		// construction, since this cache is a pure optimization.
		c, _ = lru.New[string, time.Time](1)
	}
	return &PathValidationCache{entries: c, clock: clock.RealClock{}, ttl: pathValidationTTL}
}

// withClock swaps in an injected clock, for deterministic TTL tests.
func (c *PathValidationCache) withClock(cl clock.Clock) *PathValidationCache {
	if c == nil {
		return nil
	}
	c.clock = cl
	return c
}

func (c *PathValidationCache) stillValid(path string) bool {
	if c == nil {
		return false
	}
	validatedAt, ok := c.entries.Get(path)
	if !ok {
		return false
	}
	return c.clock.Now().Sub(validatedAt) < c.ttl
}

func (c *PathValidationCache) markValid(path string) {
	if c == nil {
		return
	}
	c.entries.Add(path, c.clock.Now())
}
