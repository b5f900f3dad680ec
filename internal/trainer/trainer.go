// Package trainer orchestrates one full training invocation: fingerprint the
// schema against the cache, prune the cache hits away, execute what remains
// for real, populate the cache with the newly computed outputs, and package
// the persisted resources into a deployable model archive.
package trainer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kilnml/kiln/internal/cache"
	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/fingerprint"
	"github.com/kilnml/kiln/internal/registry"
	"github.com/kilnml/kiln/internal/runner"
	"github.com/kilnml/kiln/internal/schema"
	"github.com/kilnml/kiln/internal/storage"
)

// Options tunes one training invocation.
type Options struct {
	// ForceRetrain skips fingerprinting entirely and executes the full
	// schema, ignoring (but still repopulating) the cache.
	ForceRetrain bool
	// FineTune marks the run as rehydrating persisted state; nodes using the
	// "load" constructor restore from storage instead of training fresh.
	FineTune bool
	// Workers is the number of concurrent execution workers.
	Workers int
}

// Plan is the outcome of a dry run: the per-node hit/miss classification
// without any real training work.
type Plan struct {
	Statuses map[string]fingerprint.Status
	Hits     []string
	Misses   []string
}

// Result carries the outputs of one completed training run.
type Result struct {
	RunID      string
	SchemaHash string
	// Outputs maps every target node name to its produced value.
	Outputs map[string]any
	// CacheHits are the nodes served from cache instead of executed.
	CacheHits []string
}

// Trainer binds the cache, registry and storage for a sequence of training
// invocations. All dependencies are injected; the trainer holds no globals.
type Trainer struct {
	cache cache.Store
	reg   *registry.Registry
	store *storage.ModelStorage
}

// New creates a trainer over the given cache, component registry and model
// storage.
func New(c cache.Store, reg *registry.Registry, store *storage.ModelStorage) *Trainer {
	return &Trainer{cache: c, reg: reg, store: store}
}

// DryRun executes only the fingerprinting step and reports the hit/miss plan
// without training anything.
func (t *Trainer) DryRun(ctx context.Context, sc *schema.Schema, inputs map[string]any) (*Plan, error) {
	statuses, err := fingerprint.NewEngine(t.cache, t.reg).Run(ctx, sc, inputs)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Statuses: statuses}
	for name, st := range statuses {
		if st.Hit {
			plan.Hits = append(plan.Hits, name)
		} else {
			plan.Misses = append(plan.Misses, name)
		}
	}
	sort.Strings(plan.Hits)
	sort.Strings(plan.Misses)
	return plan, nil
}

// Train runs the full sequence against the schema: fingerprint, prune,
// execute, populate the cache. The returned result carries a value for every
// target node.
//
// A cache write failure after a successful run is fatal for the invocation
// but the computed outputs are still returned alongside the error: the cache
// is merely not guaranteed warm for next time.
func (t *Trainer) Train(ctx context.Context, sc *schema.Schema, inputs map[string]any, opts Options) (*Result, error) {
	logger := ctxlog.FromContext(ctx)

	hash, err := sc.Hash()
	if err != nil {
		return nil, err
	}

	var statuses map[string]fingerprint.Status
	if opts.ForceRetrain {
		logger.Info("Full retrain forced; skipping fingerprint run.")
	} else {
		statuses, err = fingerprint.NewEngine(t.cache, t.reg).Run(ctx, sc, inputs)
		if err != nil {
			return nil, err
		}
	}

	pruned, err := fingerprint.Prune(ctx, sc, statuses)
	if err != nil {
		return nil, err
	}

	execReg := t.reg.Clone()
	execReg.Register(fingerprint.ProviderType, fingerprint.NewProviderFactory(t.cache, t.reg, t.store))

	recorder := &outputRecorder{outputs: make(map[string]any)}
	execCtx := runner.NewExecutionContext(hash, opts.FineTune)
	run, err := runner.New(ctx, pruned, execReg, t.store, execCtx, runner.Options{
		Workers: opts.Workers,
		Hooks:   []runner.Hook{recorder},
	})
	if err != nil {
		return nil, err
	}
	outputs, err := run.Run(ctx, inputs, nil)
	if err != nil {
		return nil, err
	}

	result := &Result{
		RunID:      execCtx.RunID,
		SchemaHash: hash,
		Outputs:    outputs,
	}
	for name, st := range statuses {
		if st.Hit {
			result.CacheHits = append(result.CacheHits, name)
		}
	}
	sort.Strings(result.CacheHits)

	if err := t.populateCache(ctx, sc, inputs, statuses, recorder.snapshot()); err != nil {
		return result, fmt.Errorf("populating cache: %w", err)
	}
	return result, nil
}

// Package bundles the storage's persisted resources and the given metadata
// into a model archive at path. A missing predict schema defaults to the
// train schema's minimal form.
func (t *Trainer) Package(path string, meta storage.ModelMetadata) error {
	if t.store == nil {
		return fmt.Errorf("packaging requires storage")
	}
	if meta.PredictSchema == nil && meta.TrainSchema != nil {
		minimal, err := meta.TrainSchema.Minimal()
		if err != nil {
			return fmt.Errorf("deriving predict schema: %w", err)
		}
		meta.PredictSchema = minimal
	}
	return t.store.CreateModelPackage(path, meta)
}

// populateCache writes a cache entry for every node that executed for real.
// Nodes are walked in dependency order so each key is derived from the
// actual upstream output fingerprints of this run, not from the opaque
// placeholders the fingerprint run saw; that is what makes a future
// fingerprint run recompute the same keys and hit.
func (t *Trainer) populateCache(ctx context.Context, sc *schema.Schema, inputs map[string]any, statuses map[string]fingerprint.Status, outputs map[string]any) error {
	logger := ctxlog.FromContext(ctx)

	minimal, err := sc.Minimal()
	if err != nil {
		return err
	}
	order, err := minimal.Resolve()
	if err != nil {
		return err
	}

	// fps holds each node's output fingerprint; stable marks nodes whose
	// fingerprint a future run can rederive (cached, or recomputed from
	// deterministic external input). A node downstream of an unstable
	// producer is never cached: its key could not match on any future run.
	fps := make(map[string]string, len(order))
	stable := make(map[string]bool, len(order))

	type pending struct {
		node   *schema.Node
		key    string
		outFP  string
		output any
	}
	var puts []pending

	for _, node := range order {
		if st, ok := statuses[node.Name]; ok && st.Hit {
			fps[node.Name] = st.OutputFingerprint
			stable[node.Name] = true
			continue
		}

		output, ran := outputs[node.Name]
		if !ran {
			// The node was pruned away entirely: every dependent was a hit,
			// so nothing needed its value this run.
			continue
		}

		outFP, fpErr := fingerprint.OfValue(output)
		if fpErr != nil {
			logger.Warn("Node output is not deterministically fingerprintable; it will never be served from cache.",
				"node", node.Name, "error", fpErr)
			outFP = fingerprint.Opaque()
		}
		fps[node.Name] = outFP

		if _, fed := inputs[node.Name]; fed && len(node.Needs) == 0 {
			// Input-fed leaves execute in fingerprint runs too; their
			// fingerprint is rederived from the data, never from the cache.
			// A leaf that also persists a resource is unstable: fingerprint
			// runs execute without storage, so they see the raw output, not
			// the stamped resource, and keys derived from the stamp would
			// never be probed.
			stable[node.Name] = fpErr == nil && node.Resource == ""
			continue
		}

		skip := ""
		switch {
		case fpErr != nil:
			skip = "output has no canonical encoding"
		case !t.hasPayload(node, output):
			skip = "component type has no codec"
		default:
			for _, producer := range node.Needs {
				if !stable[producer] {
					skip = fmt.Sprintf("producer %q is not cacheable", producer)
					break
				}
			}
		}
		if skip != "" {
			logger.Info("Skipping cache population for node.", "node", node.Name, "reason", skip)
			continue
		}

		upstream := make(map[string]string, len(node.Needs))
		for param, producer := range node.Needs {
			upstream[param] = fps[producer]
		}
		key, err := fingerprint.Key(node.Uses, node.Config, upstream)
		if err != nil {
			return err
		}
		stable[node.Name] = true
		puts = append(puts, pending{node: node, key: key, outFP: outFP, output: output})
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range puts {
		p := puts[i]
		g.Go(func() error {
			payload, err := t.encodePayload(p.node, p.output)
			if err != nil {
				return fmt.Errorf("encoding output of node %q: %w", p.node.Name, err)
			}
			if err := t.cache.Put(gctx, p.key, cache.Entry{OutputFingerprint: p.outFP, Payload: payload}); err != nil {
				return fmt.Errorf("caching node %q: %w", p.node.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Cache populated.", "entries", len(puts))
	return nil
}

// hasPayload reports whether the node's output has any cacheable byte
// representation: a persisted resource directory or a codec on its factory.
func (t *Trainer) hasPayload(node *schema.Node, output any) bool {
	if _, ok := output.(storage.Resource); ok && node.Resource != "" {
		return t.store != nil
	}
	factory, err := t.reg.Factory(node.Uses)
	return err == nil && factory.Codec != nil
}

// encodePayload renders a node's output as a byte blob: resource outputs
// become a packed copy of the persisted directory, plain outputs go through
// the component type's codec.
func (t *Trainer) encodePayload(node *schema.Node, output any) ([]byte, error) {
	if res, ok := output.(storage.Resource); ok && node.Resource != "" {
		dir, err := t.store.ReadFrom(res)
		if err != nil {
			return nil, err
		}
		return storage.PackDir(dir)
	}

	factory, err := t.reg.Factory(node.Uses)
	if err != nil {
		return nil, err
	}
	return factory.Codec.Encode(output)
}

// outputRecorder is a run-scoped hook capturing every successfully produced
// node output, including non-targets, for cache population.
type outputRecorder struct {
	mu      sync.Mutex
	outputs map[string]any
}

func (r *outputRecorder) BeforeNode(context.Context, runner.ExecutionContext, *schema.Node) {}

func (r *outputRecorder) AfterNode(_ context.Context, _ runner.ExecutionContext, node *schema.Node, value any, runErr error) {
	if runErr != nil {
		return
	}
	r.mu.Lock()
	r.outputs[node.Name] = value
	r.mu.Unlock()
}

func (r *outputRecorder) snapshot() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.outputs))
	for k, v := range r.outputs {
		out[k] = v
	}
	return out
}
