// Package component defines the capability contract every graph component
// implements, plus the optional capabilities (persistence, fingerprinting,
// output caching) the engine probes for at runtime.
package component

import "context"

// Config is a node's opaque configuration as passed to a factory.
type Config map[string]any

// Component is the minimal contract: execute one named operation with
// inputs gathered from upstream nodes.
type Component interface {
	// Execute invokes the operation selected by op. inputs maps parameter
	// names (the keys of the node's `needs`) to upstream output values.
	Execute(ctx context.Context, op string, inputs map[string]any) (any, error)
}

// Persister is implemented by components that own persisted state. After a
// successful execution the runner hands the component its exclusively-owned
// resource directory to write into.
type Persister interface {
	Persist(dir string) error
}

// Fingerprintable is implemented by values that know their own deterministic
// content fingerprint. Values that do not implement it are fingerprinted
// from their canonical encoding, and fall back to an opaque random
// fingerprint (a guaranteed cache miss) when that fails.
type Fingerprintable interface {
	Fingerprint() string
}

// Codec serializes a component's output value for the training cache.
// A factory without a codec produces outputs that are never cached.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(raw []byte) (any, error)
}
