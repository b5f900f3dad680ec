// Package fingerprint implements the training-cache optimization core: it
// computes deterministic per-node fingerprints without executing real
// components, classifies each node as a cache hit or miss, and rewrites a
// schema so that hits are served by precomputed-value providers instead of
// recomputation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/internal/component"
)

// Internal component type identifiers used in rewritten schemas.
const (
	// StandInType replaces real components during a fingerprint run.
	StandInType = "kiln.fingerprint"
	// ProviderType replaces cache-hit nodes in a pruned schema.
	ProviderType = "kiln.cached_value"
)

// Status is the per-node outcome of a fingerprint run. On a hit the output
// fingerprint is the cached one; on a miss it is a fresh opaque placeholder,
// which guarantees every transitive dependent misses as well.
type Status struct {
	// Key is the node's cache key.
	Key string
	// OutputFingerprint is the fingerprint of the node's output.
	OutputFingerprint string
	// Hit reports whether the cache already holds an entry for Key.
	Hit bool
}

// keyMaterial is the canonical rendering hashed into a cache key.
// json.Marshal writes map keys in sorted order, making the encoding
// deterministic across processes.
type keyMaterial struct {
	Uses     string            `json:"uses"`
	Config   map[string]any    `json:"config,omitempty"`
	Upstream map[string]string `json:"upstream,omitempty"`
}

// Key computes a node's cache key from its component identity, its
// configuration and the output fingerprints of its producers, keyed by
// parameter name.
func Key(uses string, cfg map[string]any, upstream map[string]string) (string, error) {
	raw, err := json.Marshal(keyMaterial{Uses: uses, Config: cfg, Upstream: upstream})
	if err != nil {
		return "", fmt.Errorf("fingerprinting %q: %w", uses, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// OfValue computes the deterministic content fingerprint of an output value.
// Values that know their own fingerprint are asked directly; everything else
// is hashed from its canonical JSON encoding. Values with no canonical
// encoding yield an error; callers must treat such nodes as a stale-cache
// risk and fall back to Opaque.
func OfValue(v any) (string, error) {
	if f, ok := v.(component.Fingerprintable); ok {
		return f.Fingerprint(), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("value of type %T has no canonical encoding: %w", v, err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Opaque returns a fresh random fingerprint, unequal to every other
// fingerprint ever produced. It marks outputs that are not yet known (cache
// misses) or not deterministically hashable.
func Opaque() string {
	return "opaque:" + uuid.NewString()
}
