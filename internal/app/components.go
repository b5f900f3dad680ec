package app

import (
	"context"
	"sort"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/registry"
)

// RegisterCoreComponents registers the built-in generic components every
// kiln binary ships with. Real training components are registered by the
// embedding program on top of these.
//
//	kiln.static      - emits its "value" config entry unchanged
//	kiln.passthrough - collects its inputs into a single value
func RegisterCoreComponents(reg *registry.Registry) {
	reg.Register("kiln.static", &registry.Factory{
		New: func(_ context.Context, cfg component.Config) (component.Component, error) {
			return staticComponent{value: cfg["value"]}, nil
		},
		Codec: component.JSONCodec{},
	})
	reg.Register("kiln.passthrough", &registry.Factory{
		New: func(context.Context, component.Config) (component.Component, error) {
			return passthroughComponent{}, nil
		},
		Codec: component.JSONCodec{},
	})
}

type staticComponent struct {
	value any
}

func (c staticComponent) Execute(context.Context, string, map[string]any) (any, error) {
	return c.value, nil
}

// passthroughComponent forwards its input. A single parameter passes through
// as-is; multiple parameters collect into a list ordered by parameter name.
type passthroughComponent struct{}

func (passthroughComponent) Execute(_ context.Context, _ string, inputs map[string]any) (any, error) {
	if len(inputs) == 1 {
		for _, v := range inputs {
			return v, nil
		}
	}
	params := make([]string, 0, len(inputs))
	for p := range inputs {
		params = append(params, p)
	}
	sort.Strings(params)
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = inputs[p]
	}
	return out, nil
}
