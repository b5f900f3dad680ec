// Package runner executes a schema: it resolves the minimal subgraph for the
// requested targets, orders it by dependencies, runs every node exactly once
// and collects the target outputs.
//
// Nodes with no dependency relationship may run concurrently on separate
// workers; the only ordering guarantee is that a node starts after all of
// its producers have completed.
package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/registry"
	"github.com/kilnml/kiln/internal/schema"
	"github.com/kilnml/kiln/internal/storage"
)

// ExecutionContext is immutable for the duration of one run and is available
// to hooks and component construction.
type ExecutionContext struct {
	// SchemaHash identifies the schema being executed.
	SchemaHash string
	// RunID uniquely identifies this run.
	RunID string
	// IsFineTuning marks runs that rehydrate persisted state instead of
	// training from scratch.
	IsFineTuning bool
	// CollectDiagnostics asks components to retain per-node diagnostic data.
	CollectDiagnostics bool
}

// NewExecutionContext creates a context for one run with a fresh run identity.
func NewExecutionContext(schemaHash string, fineTuning bool) ExecutionContext {
	return ExecutionContext{
		SchemaHash:   schemaHash,
		RunID:        uuid.NewString(),
		IsFineTuning: fineTuning,
	}
}

// Hook observes node execution. Hooks must be stateless or scoped strictly
// to one run; they are invoked in registration order around every node.
type Hook interface {
	BeforeNode(ctx context.Context, execCtx ExecutionContext, node *schema.Node)
	AfterNode(ctx context.Context, execCtx ExecutionContext, node *schema.Node, value any, runErr error)
}

// NodeError wraps a node execution failure with the failing node's name.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Node lifecycle states.
const (
	stateUninstantiated int32 = iota
	stateInstantiated
	stateExecuted
	stateSkipped
)

// execNode is the runtime wrapper around one component instance: it tracks
// the node's lifecycle state, holds the instance once constructed, and the
// output once executed.
type execNode struct {
	node  *schema.Node
	state atomic.Int32

	comp   component.Component
	output any

	// remaining is the number of producers that have not completed yet;
	// the node is ready when it reaches zero.
	remaining atomic.Int32
	// doneOnce guards the node's single WaitGroup completion: a node is
	// counted done exactly once whether it executed, failed or was skipped.
	doneOnce *sync.Once
}

// Options tunes one runner instance.
type Options struct {
	// Workers is the number of concurrent execution workers. Values below 1
	// mean single-worker (fully deterministic) execution.
	Workers int
	// Hooks are invoked around every node in order.
	Hooks []Hook
}

// Runner executes one schema. It is created per run sequence and is not safe
// for concurrent Run calls.
type Runner struct {
	schema  *schema.Schema
	reg     *registry.Registry
	store   *storage.ModelStorage
	execCtx ExecutionContext
	opts    Options

	// arena indexes execution nodes by name; it outlives a single Run so
	// that eagerly constructed components are reused.
	arena map[string]*execNode
}

// New validates the schema against the registry, checks it resolves (acyclic,
// no dangling references) and builds the execution arena. Eager nodes are
// instantiated immediately so configuration errors surface before anything
// runs. store may be nil for runs that never touch persisted state.
func New(ctx context.Context, sc *schema.Schema, reg *registry.Registry, store *storage.ModelStorage, execCtx ExecutionContext, opts Options) (*Runner, error) {
	if err := reg.Validate(sc); err != nil {
		return nil, err
	}
	if _, err := sc.Resolve(); err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	r := &Runner{
		schema:  sc,
		reg:     reg,
		store:   store,
		execCtx: execCtx,
		opts:    opts,
		arena:   make(map[string]*execNode, sc.Len()),
	}
	for _, n := range sc.Nodes() {
		r.arena[n.Name] = &execNode{node: n}
	}

	for _, n := range sc.Nodes() {
		if !n.Eager {
			continue
		}
		if err := r.instantiate(ctx, r.arena[n.Name]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// instantiate constructs the node's component via its factory, passing the
// persisted resource directory for "load" constructors so the component can
// rehydrate previous state.
func (r *Runner) instantiate(ctx context.Context, en *execNode) error {
	if en.state.Load() >= stateInstantiated {
		return nil
	}

	factory, err := r.reg.Factory(en.node.Uses)
	if err != nil {
		return &NodeError{Node: en.node.Name, Err: err}
	}

	cfg := component.Config(en.node.Config)
	var comp component.Component
	switch en.node.Constructor {
	case schema.ConstructorLoad:
		if r.store == nil {
			return &NodeError{Node: en.node.Name, Err: fmt.Errorf("constructor %q requires storage", schema.ConstructorLoad)}
		}
		dir, err := r.store.ReadFrom(storage.Resource{Name: en.node.Resource})
		if err != nil {
			return &NodeError{Node: en.node.Name, Err: err}
		}
		comp, err = factory.Load(ctx, cfg, dir)
		if err != nil {
			return &NodeError{Node: en.node.Name, Err: fmt.Errorf("loading component: %w", err)}
		}
	default:
		comp, err = factory.New(ctx, cfg)
		if err != nil {
			return &NodeError{Node: en.node.Name, Err: fmt.Errorf("constructing component: %w", err)}
		}
	}

	en.comp = comp
	en.state.Store(stateInstantiated)
	return nil
}
