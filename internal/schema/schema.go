// Package schema defines the declarative description of a computation graph:
// named nodes, their dependency edges, and the target nodes whose outputs a
// run must produce. A Schema is immutable once built and serializes to a
// plain map so that a trained model archive can reconstruct it without the
// configuration that originally produced it.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kilnml/kiln/internal/dag"
)

// Constructor selectors. ConstructorNew builds a component from scratch;
// ConstructorLoad rehydrates it from previously persisted state.
const (
	ConstructorNew  = "new"
	ConstructorLoad = "load"
)

var (
	// ErrCycle reports that the dependency graph is not acyclic.
	ErrCycle = errors.New("schema contains a dependency cycle")
	// ErrUnknownNode reports a `needs` entry naming a node that does not exist.
	ErrUnknownNode = errors.New("schema references unknown node")
	// ErrDuplicateNode reports two nodes sharing one name.
	ErrDuplicateNode = errors.New("duplicate node name")
)

// Node describes a single vertex of the graph: which component type runs
// there, how it is constructed, which operation is invoked, and where its
// inputs come from.
type Node struct {
	// Name uniquely identifies the node within its schema.
	Name string
	// Needs maps a parameter name to the name of the node producing it.
	Needs map[string]string
	// Uses is the stable component type identifier resolved via the registry.
	Uses string
	// Constructor selects how the component instance is obtained
	// (ConstructorNew or ConstructorLoad).
	Constructor string
	// Fn is the entry-point operation invoked on the component.
	Fn string
	// Config is the node's opaque configuration.
	Config map[string]any
	// IsTarget marks nodes whose output the caller requires.
	IsTarget bool
	// Resource names the unit of persisted state owned by this node, if any.
	Resource string
	// Eager nodes are instantiated when the runner is created rather than
	// on first use.
	Eager bool
}

// clone returns a deep copy of the node.
func (n *Node) clone() *Node {
	c := *n
	c.Needs = make(map[string]string, len(n.Needs))
	for k, v := range n.Needs {
		c.Needs[k] = v
	}
	c.Config = cloneConfig(n.Config)
	return &c
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return cloneConfig(vv)
	case []any:
		out := make([]any, len(vv))
		for i, e := range vv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Schema is an ordered, immutable collection of nodes addressable by name.
type Schema struct {
	nodes []*Node
	index map[string]*Node
}

// New builds a schema from the given nodes. Node order is preserved.
// Duplicate names are rejected; constructor selectors are normalized.
func New(nodes ...*Node) (*Schema, error) {
	s := &Schema{index: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		if n.Name == "" {
			return nil, fmt.Errorf("schema node with empty name")
		}
		if _, exists := s.index[n.Name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, n.Name)
		}
		c := n.clone()
		if c.Constructor == "" {
			c.Constructor = ConstructorNew
		}
		s.nodes = append(s.nodes, c)
		s.index[c.Name] = c
	}
	return s, nil
}

// Node returns the node with the given name, or nil.
func (s *Schema) Node(name string) *Node {
	return s.index[name]
}

// Len returns the number of nodes.
func (s *Schema) Len() int { return len(s.nodes) }

// Nodes returns the nodes in schema order. The returned slice must not be
// mutated.
func (s *Schema) Nodes() []*Node { return s.nodes }

// Names returns all node names in schema order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		names[i] = n.Name
	}
	return names
}

// Targets returns the names of all nodes marked as targets, in schema order.
func (s *Schema) Targets() []string {
	var targets []string
	for _, n := range s.nodes {
		if n.IsTarget {
			targets = append(targets, n.Name)
		}
	}
	return targets
}

// Graph builds the dependency DAG induced by the `needs` edges. It fails
// with ErrUnknownNode if any edge names a node outside the schema.
func (s *Schema) Graph() (*dag.Graph, error) {
	g := dag.New()
	for _, n := range s.nodes {
		g.AddNode(n.Name)
	}
	for _, n := range s.nodes {
		for param, producer := range n.Needs {
			if _, ok := s.index[producer]; !ok {
				return nil, fmt.Errorf("%w: node %q needs %q from %q", ErrUnknownNode, n.Name, param, producer)
			}
			if err := g.AddEdge(producer, n.Name); err != nil {
				return nil, fmt.Errorf("linking %q -> %q: %w", producer, n.Name, err)
			}
		}
	}
	return g, nil
}

// Resolve validates the schema and returns its nodes in a deterministic
// dependency-respecting order. It fails with ErrUnknownNode on dangling
// references and ErrCycle if the graph is not acyclic.
func (s *Schema) Resolve() ([]*Node, error) {
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycle, err)
	}
	nodes := make([]*Node, len(order))
	for i, name := range order {
		nodes[i] = s.index[name]
	}
	return nodes, nil
}

// Minimal returns the sub-schema backward-reachable from the given targets
// (dead-node elimination). Target markers on the returned schema are reset
// to exactly the requested names. With no targets, the schema's own target
// nodes are used.
func (s *Schema) Minimal(targets ...string) (*Schema, error) {
	if len(targets) == 0 {
		targets = s.Targets()
	}
	g, err := s.Graph()
	if err != nil {
		return nil, err
	}
	for _, target := range targets {
		if _, ok := s.index[target]; !ok {
			return nil, fmt.Errorf("%w: target %q", ErrUnknownNode, target)
		}
	}
	reached, err := g.Ancestors(targets...)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(targets))
	for _, t := range targets {
		wanted[t] = true
	}

	var kept []*Node
	for _, n := range s.nodes {
		if !reached[n.Name] {
			continue
		}
		c := n.clone()
		c.IsTarget = wanted[n.Name]
		kept = append(kept, c)
	}
	return New(kept...)
}

// Rewrite returns a new schema where each node is replaced by the result of
// fn. Returning nil drops the node. fn receives a private copy it may mutate.
func (s *Schema) Rewrite(fn func(n *Node) *Node) (*Schema, error) {
	var out []*Node
	for _, n := range s.nodes {
		if replaced := fn(n.clone()); replaced != nil {
			out = append(out, replaced)
		}
	}
	return New(out...)
}

// Hash returns a deterministic content hash of the schema, suitable as a
// schema identity for execution contexts.
func (s *Schema) Hash() (string, error) {
	// json.Marshal writes map keys in sorted order, which makes the
	// rendering canonical across processes.
	raw, err := json.Marshal(s.specMap())
	if err != nil {
		return "", fmt.Errorf("hashing schema: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
