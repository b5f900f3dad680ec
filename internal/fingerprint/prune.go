package fingerprint

import (
	"context"
	"fmt"

	"github.com/kilnml/kiln/internal/cache"
	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/registry"
	"github.com/kilnml/kiln/internal/schema"
	"github.com/kilnml/kiln/internal/storage"
)

// Prune rewrites a schema using fingerprint statuses: every hit node becomes
// a precomputed-value provider serving the cached payload, every miss node
// is retained as-is, and the result is re-minimized from the targets so hit
// nodes nothing depends on anymore fall away. Target nodes are always
// materialized, via either substitution or real execution.
func Prune(ctx context.Context, sc *schema.Schema, statuses map[string]Status, targets ...string) (*schema.Schema, error) {
	logger := ctxlog.FromContext(ctx)

	substituted := 0
	rewritten, err := sc.Rewrite(func(n *schema.Node) *schema.Node {
		st, ok := statuses[n.Name]
		if !ok || !st.Hit {
			return n
		}
		substituted++
		return &schema.Node{
			Name: n.Name,
			Uses: ProviderType,
			Fn:   "provide",
			Config: map[string]any{
				"key":      st.Key,
				"uses":     n.Uses,
				"resource": n.Resource,
			},
			IsTarget: n.IsTarget,
		}
	})
	if err != nil {
		return nil, err
	}

	pruned, err := rewritten.Minimal(targets...)
	if err != nil {
		return nil, err
	}
	logger.Info("Pruned schema.", "nodes", sc.Len(), "substituted", substituted, "remaining", pruned.Len())
	return pruned, nil
}

// NewProviderFactory builds the factory for the internal precomputed-value
// component. The factory closes over the cache holding the payloads, the
// base registry (for output codecs) and the storage that restored resource
// directories are written into.
func NewProviderFactory(c cache.Store, base *registry.Registry, store *storage.ModelStorage) *registry.Factory {
	return &registry.Factory{
		New: func(_ context.Context, cfg component.Config) (component.Component, error) {
			key, _ := cfg["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("precomputed-value node without cache key")
			}
			uses, _ := cfg["uses"].(string)
			resource, _ := cfg["resource"].(string)
			return &provider{key: key, uses: uses, resource: resource, cache: c, base: base, store: store}, nil
		},
	}
}

// provider returns a cached payload instead of executing the real component.
type provider struct {
	key      string
	uses     string
	resource string

	cache cache.Store
	base  *registry.Registry
	store *storage.ModelStorage
}

func (p *provider) Execute(ctx context.Context, _ string, _ map[string]any) (any, error) {
	entry, err := p.cache.Get(ctx, p.key)
	if err != nil {
		return nil, fmt.Errorf("reading cached value: %w", err)
	}
	if entry == nil {
		// The entry was classified a hit during the fingerprint run, so it
		// disappeared between then and now.
		return nil, fmt.Errorf("cache entry %q vanished between fingerprinting and execution", p.key)
	}

	if p.resource != "" {
		if p.store == nil {
			return nil, fmt.Errorf("restoring resource %q requires storage", p.resource)
		}
		handle, err := p.store.WriteTo(storage.Resource{Name: p.resource})
		if err != nil {
			return nil, err
		}
		defer handle.Release()
		if err := storage.UnpackDir(entry.Payload, handle.Dir()); err != nil {
			return nil, fmt.Errorf("restoring resource %q: %w", p.resource, err)
		}
		// The entry's fingerprint is the resource's tuple hash, used for key
		// derivation; the restored value must carry the directory digest so
		// it is indistinguishable from the output of a real execution.
		digest, err := storage.DirDigest(handle.Dir())
		if err != nil {
			return nil, err
		}
		return storage.Resource{Name: p.resource, OutputFingerprint: digest}, nil
	}

	factory, err := p.base.Factory(p.uses)
	if err != nil {
		return nil, err
	}
	if factory.Codec == nil {
		return nil, fmt.Errorf("component type %q has no codec to decode its cached output", p.uses)
	}
	value, err := factory.Codec.Decode(entry.Payload)
	if err != nil {
		return nil, fmt.Errorf("decoding cached output of %q: %w", p.uses, err)
	}
	return value, nil
}
