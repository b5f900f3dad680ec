package fingerprint

import (
	"context"
	"fmt"
	"sync"

	"github.com/kilnml/kiln/internal/cache"
	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/registry"
	"github.com/kilnml/kiln/internal/runner"
	"github.com/kilnml/kiln/internal/schema"
)

// Engine classifies every node of a schema as a cache hit or miss by
// executing a rewritten schema in which real components are replaced with
// fingerprint stand-ins.
type Engine struct {
	cache cache.Store
	reg   *registry.Registry
}

// NewEngine creates a fingerprint engine over the given cache and the
// registry used by the real schema.
func NewEngine(c cache.Store, reg *registry.Registry) *Engine {
	return &Engine{cache: c, reg: reg}
}

// Run executes the fingerprint schema derived from sc and returns the
// per-node statuses. Only nodes fed by the external inputs run their real
// component; every other node computes a hash instead. No real training
// work happens here.
func (e *Engine) Run(ctx context.Context, sc *schema.Schema, inputs map[string]any) (map[string]Status, error) {
	logger := ctxlog.FromContext(ctx)

	fpSchema, err := buildFingerprintSchema(sc, inputs)
	if err != nil {
		return nil, err
	}

	fpReg := e.reg.Clone()
	fpReg.Register(StandInType, &registry.Factory{
		New: func(_ context.Context, cfg component.Config) (component.Component, error) {
			uses, _ := cfg["uses"].(string)
			if uses == "" {
				return nil, fmt.Errorf("fingerprint stand-in without original component type")
			}
			nodeCfg, _ := cfg["config"].(map[string]any)
			return &standIn{uses: uses, cfg: nodeCfg, cache: e.cache}, nil
		},
	})

	hash, err := sc.Hash()
	if err != nil {
		return nil, err
	}
	collector := &statusCollector{statuses: make(map[string]Status)}

	run, err := runner.New(ctx, fpSchema, fpReg, nil, runner.NewExecutionContext(hash, false), runner.Options{
		Hooks: []runner.Hook{collector},
	})
	if err != nil {
		return nil, fmt.Errorf("building fingerprint runner: %w", err)
	}
	if _, err := run.Run(ctx, inputs, nil); err != nil {
		return nil, fmt.Errorf("fingerprint run: %w", err)
	}

	hits := 0
	for _, st := range collector.statuses {
		if st.Hit {
			hits++
		}
	}
	logger.Info("Fingerprint run complete.", "nodes", len(collector.statuses), "hits", hits, "misses", len(collector.statuses)-hits)
	return collector.statuses, nil
}

// buildFingerprintSchema replaces every node that is not fed by external
// input with a fingerprint stand-in carrying the original node's identity
// and configuration.
func buildFingerprintSchema(sc *schema.Schema, inputs map[string]any) (*schema.Schema, error) {
	return sc.Rewrite(func(n *schema.Node) *schema.Node {
		if len(n.Needs) == 0 {
			if _, fed := inputs[n.Name]; fed {
				// Input-fed leaves execute for real so that data-dependent
				// fingerprints reflect the actual data.
				return n
			}
		}
		return &schema.Node{
			Name:     n.Name,
			Needs:    n.Needs,
			Uses:     StandInType,
			Fn:       "fingerprint",
			Config:   map[string]any{"uses": n.Uses, "config": n.Config},
			IsTarget: n.IsTarget,
		}
	})
}

// standIn computes a node's cache key from its identity, configuration and
// upstream fingerprints, then asks the cache whether the result is already
// known. Cache errors are downgraded to misses: recomputing is always
// correct, assuming a hit is not.
type standIn struct {
	uses  string
	cfg   map[string]any
	cache cache.Store
}

func (s *standIn) Execute(ctx context.Context, _ string, inputs map[string]any) (any, error) {
	logger := ctxlog.FromContext(ctx)

	upstream := make(map[string]string, len(inputs))
	for param, v := range inputs {
		if st, ok := v.(Status); ok {
			upstream[param] = st.OutputFingerprint
			continue
		}
		fp, err := OfValue(v)
		if err != nil {
			// Externally supplied data we cannot hash deterministically is
			// a stale-cache risk: flag it and force a miss downstream.
			logger.Warn("Input value is not deterministically fingerprintable; treating as always-changed.",
				"component", s.uses, "param", param, "error", err)
			fp = Opaque()
		}
		upstream[param] = fp
	}

	key, err := Key(s.uses, s.cfg, upstream)
	if err != nil {
		return nil, err
	}

	found, err := s.cache.Probe(ctx, key)
	if err != nil {
		logger.Warn("Cache probe failed; treating node as a miss.", "component", s.uses, "error", err)
		return Status{Key: key, OutputFingerprint: Opaque(), Hit: false}, nil
	}
	if found {
		entry, err := s.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("Cache read failed; treating node as a miss.", "component", s.uses, "error", err)
		} else if entry != nil {
			return Status{Key: key, OutputFingerprint: entry.OutputFingerprint, Hit: true}, nil
		}
	}
	return Status{Key: key, OutputFingerprint: Opaque(), Hit: false}, nil
}

// statusCollector is a run-scoped hook recording the status every stand-in
// produced, including for nodes that are not run targets.
type statusCollector struct {
	mu       sync.Mutex
	statuses map[string]Status
}

func (c *statusCollector) BeforeNode(context.Context, runner.ExecutionContext, *schema.Node) {}

func (c *statusCollector) AfterNode(_ context.Context, _ runner.ExecutionContext, node *schema.Node, value any, runErr error) {
	if runErr != nil {
		return
	}
	if st, ok := value.(Status); ok {
		c.mu.Lock()
		c.statuses[node.Name] = st
		c.mu.Unlock()
	}
}
