package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// nodeSpec is the wire shape of one node: the schema serializes as a map
// from node name to this structure, and is persisted alongside a trained
// model archive so a predict-time schema can be rebuilt without the
// original high-level configuration.
type nodeSpec struct {
	Needs       map[string]string `yaml:"needs,omitempty" json:"needs,omitempty"`
	Uses        string            `yaml:"uses" json:"uses"`
	Constructor string            `yaml:"constructor,omitempty" json:"constructor,omitempty"`
	Fn          string            `yaml:"fn" json:"fn"`
	Config      map[string]any    `yaml:"config,omitempty" json:"config,omitempty"`
	IsTarget    bool              `yaml:"is_target,omitempty" json:"is_target,omitempty"`
	Resource    string            `yaml:"resource_name,omitempty" json:"resource_name,omitempty"`
	Eager       bool              `yaml:"eager,omitempty" json:"eager,omitempty"`
}

// spec renders one node as its wire shape.
func (n *Node) spec() nodeSpec {
	spec := nodeSpec{
		Uses:     n.Uses,
		Fn:       n.Fn,
		IsTarget: n.IsTarget,
		Resource: n.Resource,
		Eager:    n.Eager,
	}
	if len(n.Needs) > 0 {
		spec.Needs = n.Needs
	}
	if len(n.Config) > 0 {
		spec.Config = n.Config
	}
	if n.Constructor != ConstructorNew {
		spec.Constructor = n.Constructor
	}
	return spec
}

// specMap renders the schema as its wire map. Only used for hashing, where
// json.Marshal's sorted map keys make the rendering canonical; the YAML
// form preserves node order instead.
func (s *Schema) specMap() map[string]nodeSpec {
	out := make(map[string]nodeSpec, len(s.nodes))
	for _, n := range s.nodes {
		out[n.Name] = n.spec()
	}
	return out
}

// MarshalYAML implements yaml.Marshaler. The mapping is built node by node
// so the document keeps the schema's node order.
func (s *Schema) MarshalYAML() (any, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, n := range s.nodes {
		var key, val yaml.Node
		if err := key.Encode(n.Name); err != nil {
			return nil, fmt.Errorf("encoding node %q: %w", n.Name, err)
		}
		if err := val.Encode(n.spec()); err != nil {
			return nil, fmt.Errorf("encoding node %q: %w", n.Name, err)
		}
		doc.Content = append(doc.Content, &key, &val)
	}
	return doc, nil
}

// UnmarshalYAML implements yaml.Unmarshaler. The mapping's entries are
// walked in document order, so a round trip preserves node order exactly.
func (s *Schema) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("decoding schema: expected a mapping, got %v", value.Kind)
	}

	nodes := make([]*Node, 0, len(value.Content)/2)
	for i := 0; i+1 < len(value.Content); i += 2 {
		var name string
		if err := value.Content[i].Decode(&name); err != nil {
			return fmt.Errorf("decoding schema node name: %w", err)
		}
		var spec nodeSpec
		if err := value.Content[i+1].Decode(&spec); err != nil {
			return fmt.Errorf("decoding schema node %q: %w", name, err)
		}
		nodes = append(nodes, &Node{
			Name:        name,
			Needs:       spec.Needs,
			Uses:        spec.Uses,
			Constructor: spec.Constructor,
			Fn:          spec.Fn,
			Config:      spec.Config,
			IsTarget:    spec.IsTarget,
			Resource:    spec.Resource,
			Eager:       spec.Eager,
		})
	}

	built, err := New(nodes...)
	if err != nil {
		return err
	}
	*s = *built
	return nil
}

// Encode serializes the schema to its YAML wire form.
func (s *Schema) Encode() ([]byte, error) {
	return yaml.Marshal(s)
}

// Parse deserializes a schema from its YAML wire form.
func Parse(raw []byte) (*Schema, error) {
	s := &Schema{}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}
