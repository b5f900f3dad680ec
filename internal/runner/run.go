package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/storage"
)

// runState holds everything scoped to a single Run call.
type runState struct {
	inputs     map[string]any
	nodes      []*execNode
	dependents map[string][]*execNode

	mu       sync.Mutex
	firstErr error
}

func (rs *runState) recordErr(err error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.firstErr == nil {
		rs.firstErr = err
	}
}

// Run executes the subgraph needed for the requested targets and returns a
// value for exactly those names. With no explicit targets the schema's own
// target nodes are used. Execution aborts on the first node failure with no
// partial-result recovery.
func (r *Runner) Run(ctx context.Context, inputs map[string]any, targets []string) (map[string]any, error) {
	logger := ctxlog.FromContext(ctx).With("run_id", r.execCtx.RunID)

	if len(targets) == 0 {
		targets = r.schema.Targets()
	}
	if len(targets) == 0 {
		return nil, errors.New("run: no targets requested and schema declares none")
	}

	minimal, err := r.schema.Minimal(targets...)
	if err != nil {
		return nil, err
	}
	g, err := minimal.Graph()
	if err != nil {
		return nil, err
	}
	logger.Debug("Resolved minimal schema for run.", "targets", targets, "nodes", minimal.Len())

	rs := &runState{
		inputs:     inputs,
		dependents: make(map[string][]*execNode, minimal.Len()),
	}

	// Reset per-run execution state; components built in earlier runs are
	// kept, outputs are not.
	var roots []*execNode
	for _, name := range minimal.Names() {
		en := r.arena[name]
		deps, err := g.Dependencies(name)
		if err != nil {
			return nil, err
		}
		en.remaining.Store(int32(len(deps)))
		en.output = nil
		en.doneOnce = new(sync.Once)
		if en.state.Load() >= stateExecuted {
			en.state.Store(stateInstantiated)
		}
		rs.nodes = append(rs.nodes, en)
		if len(deps) == 0 {
			roots = append(roots, en)
		}
	}
	for _, en := range rs.nodes {
		depNames, err := g.Dependents(en.node.Name)
		if err != nil {
			return nil, err
		}
		for _, name := range depNames {
			rs.dependents[en.node.Name] = append(rs.dependents[en.node.Name], r.arena[name])
		}
	}

	readyChan := make(chan *execNode, len(rs.nodes))
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, en := range roots {
		readyChan <- en
	}
	logger.Debug("Found all root nodes.", "count", len(roots))

	var wg sync.WaitGroup
	wg.Add(len(rs.nodes))

	workers := r.opts.Workers
	if workers > len(rs.nodes) {
		workers = len(rs.nodes)
	}
	logger.Debug("Starting worker pool.", "workers", workers)
	for i := 0; i < workers; i++ {
		go r.worker(runCtx, rs, readyChan, cancel, &wg)
	}

	wg.Wait()
	close(readyChan)

	if rs.firstErr != nil {
		return nil, rs.firstErr
	}

	results := make(map[string]any, len(targets))
	for _, target := range targets {
		results[target] = r.arena[target].output
	}
	logger.Debug("Run complete.", "targets", len(results))
	return results, nil
}

// worker is the core processing loop for a single concurrent worker.
func (r *Runner) worker(ctx context.Context, rs *runState, readyChan chan *execNode, cancel context.CancelFunc, wg *sync.WaitGroup) {
	logger := ctxlog.FromContext(ctx)

	for en := range readyChan {
		if ctx.Err() != nil {
			en.doneOnce.Do(func() {
				en.state.Store(stateSkipped)
				wg.Done()
				r.skipDependents(rs, en, wg)
			})
			continue
		}

		if err := r.executeNode(ctx, rs, en); err != nil {
			logger.Error("Node execution failed.", "node", en.node.Name, "error", err)
			rs.recordErr(err)
			cancel()
			en.doneOnce.Do(wg.Done)
			r.skipDependents(rs, en, wg)
			continue
		}

		finished := false
		en.doneOnce.Do(func() {
			finished = true
			wg.Done()
		})
		if !finished {
			// A concurrent failure already counted this node as skipped;
			// the run is aborting, so its dependents stay unscheduled.
			continue
		}
		for _, dependent := range rs.dependents[en.node.Name] {
			if dependent.remaining.Add(-1) == 0 {
				readyChan <- dependent
			}
		}
	}
}

// skipDependents recursively marks all downstream nodes as skipped so the
// WaitGroup drains after a failure.
func (r *Runner) skipDependents(rs *runState, en *execNode, wg *sync.WaitGroup) {
	for _, dependent := range rs.dependents[en.node.Name] {
		dependent.doneOnce.Do(func() {
			dependent.state.Store(stateSkipped)
			wg.Done()
			r.skipDependents(rs, dependent, wg)
		})
	}
}

// executeNode gathers the node's inputs, invokes the component and stores
// the output for this run. A node executes exactly once per run regardless
// of fan-out: dependents read the stored output, they never re-invoke the
// producer.
func (r *Runner) executeNode(ctx context.Context, rs *runState, en *execNode) error {
	logger := ctxlog.FromContext(ctx)

	if err := r.instantiate(ctx, en); err != nil {
		return err
	}

	inMap := make(map[string]any, len(en.node.Needs))
	if len(en.node.Needs) == 0 {
		// Leaf nodes are fed by the externally supplied inputs, keyed by
		// node name and passed under the "input" parameter.
		if v, ok := rs.inputs[en.node.Name]; ok {
			inMap["input"] = v
		}
	} else {
		for param, producer := range en.node.Needs {
			inMap[param] = r.arena[producer].output
		}
	}

	for _, hook := range r.opts.Hooks {
		hook.BeforeNode(ctx, r.execCtx, en.node)
	}

	logger.Debug("Executing node.", "node", en.node.Name, "fn", en.node.Fn)
	output, execErr := en.comp.Execute(ctx, en.node.Fn, inMap)
	if execErr == nil {
		output, execErr = r.persist(ctx, en, output)
	}

	for _, hook := range r.opts.Hooks {
		hook.AfterNode(ctx, r.execCtx, en.node, output, execErr)
	}

	if execErr != nil {
		return &NodeError{Node: en.node.Name, Err: execErr}
	}

	en.output = output
	en.state.Store(stateExecuted)
	return nil
}

// persist writes the component's state into its exclusively-owned resource
// directory and stamps the resulting value with the directory's content
// digest, so equal persisted state yields equal output fingerprints.
func (r *Runner) persist(ctx context.Context, en *execNode, output any) (any, error) {
	if en.node.Resource == "" || r.store == nil {
		return output, nil
	}
	persister, ok := en.comp.(component.Persister)
	if !ok {
		return output, nil
	}

	handle, err := r.store.WriteTo(storage.Resource{Name: en.node.Resource})
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	if err := persister.Persist(handle.Dir()); err != nil {
		return nil, fmt.Errorf("persisting resource %q: %w", en.node.Resource, err)
	}
	digest, err := storage.DirDigest(handle.Dir())
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Persisted node resource.", "node", en.node.Name, "resource", en.node.Resource)

	switch res := output.(type) {
	case nil:
		return storage.Resource{Name: en.node.Resource, OutputFingerprint: digest}, nil
	case storage.Resource:
		if res.OutputFingerprint == "" {
			res.OutputFingerprint = digest
		}
		return res, nil
	default:
		return output, nil
	}
}
