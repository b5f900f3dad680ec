// Package hcl is the authoring front-end for training schemas: it parses
// .hcl files where each `node "name" {}` block declares one graph node and
// translates them into a schema.Schema. The engine itself never depends on
// this package; it consumes the resulting Schema as an opaque input.
package hcl

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/kilnml/kiln/internal/ctxlog"
	"github.com/kilnml/kiln/internal/fsutil"
	"github.com/kilnml/kiln/internal/schema"
)

// fileRoot decodes the top-level blocks of one schema file.
type fileRoot struct {
	Nodes []*nodeBlock `hcl:"node,block"`
}

// nodeBlock is the HCL shape of a single `node "name" {}` block.
type nodeBlock struct {
	Name        string            `hcl:"name,label"`
	Uses        string            `hcl:"uses,optional"`
	Constructor string            `hcl:"constructor,optional"`
	Fn          string            `hcl:"fn,optional"`
	Needs       map[string]string `hcl:"needs,optional"`
	Target      bool              `hcl:"target,optional"`
	Resource    string            `hcl:"resource,optional"`
	Eager       bool              `hcl:"eager,optional"`
	Config      *configBlock      `hcl:"config,block"`
}

// configBlock keeps the node configuration opaque: its attributes are not
// schema-checked here, they are evaluated and handed to the component as a
// plain map.
type configBlock struct {
	Body hcl.Body `hcl:",remain"`
}

// Load parses all .hcl files under the given paths (files or directories)
// and builds a schema from every node block found. Files are visited in
// sorted path order so the resulting node order is deterministic.
func Load(ctx context.Context, paths ...string) (*schema.Schema, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFilesByExtension(".hcl", paths...)
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	logger.Debug("Discovered schema files.", "count", len(files))

	parser := hclparse.NewParser()
	var nodes []*schema.Node

	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("parsing schema file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("decoding schema file %s: %w", file, diags)
		}

		for _, block := range root.Nodes {
			node, err := translateNode(block)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			nodes = append(nodes, node)
		}
	}

	sc, err := schema.New(nodes...)
	if err != nil {
		return nil, err
	}
	logger.Debug("Schema loading complete.", "files", len(files), "nodes", sc.Len())
	return sc, nil
}

// translateNode converts one decoded HCL block into a schema node.
func translateNode(block *nodeBlock) (*schema.Node, error) {
	if block.Uses == "" {
		return nil, fmt.Errorf("node %q: missing required attribute \"uses\"", block.Name)
	}

	cfg, err := evalConfig(block.Config)
	if err != nil {
		return nil, fmt.Errorf("node %q: %w", block.Name, err)
	}

	return &schema.Node{
		Name:        block.Name,
		Needs:       block.Needs,
		Uses:        block.Uses,
		Constructor: block.Constructor,
		Fn:          block.Fn,
		Config:      cfg,
		IsTarget:    block.Target,
		Resource:    block.Resource,
		Eager:       block.Eager,
	}, nil
}

// evalConfig evaluates every attribute of a config block into plain Go
// values. No variables are in scope: node configuration is literal data.
func evalConfig(block *configBlock) (map[string]any, error) {
	if block == nil || block.Body == nil {
		return nil, nil
	}
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("reading config attributes: %w", diags)
	}
	if len(attrs) == 0 {
		return nil, nil
	}

	cfg := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, fmt.Errorf("evaluating config attribute %q: %w", name, diags)
		}
		native, err := ctyValueToInterface(val)
		if err != nil {
			return nil, fmt.Errorf("config attribute %q: %w", name, err)
		}
		cfg[name] = native
	}
	return cfg, nil
}

