package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/schema"
)

type nopComponent struct{}

func (nopComponent) Execute(context.Context, string, map[string]any) (any, error) {
	return nil, nil
}

func nopFactory(withLoad bool) *Factory {
	f := &Factory{
		New: func(context.Context, component.Config) (component.Component, error) {
			return nopComponent{}, nil
		},
	}
	if withLoad {
		f.Load = func(context.Context, component.Config, string) (component.Component, error) {
			return nopComponent{}, nil
		}
	}
	return f
}

func TestRegister(t *testing.T) {
	t.Run("lookup after registration", func(t *testing.T) {
		r := New()
		r.Register("tokenizer", nopFactory(false))

		f, err := r.Factory("tokenizer")
		require.NoError(t, err)
		assert.NotNil(t, f.New)
	})

	t.Run("unknown type errors", func(t *testing.T) {
		r := New()
		_, err := r.Factory("ghost")
		assert.ErrorIs(t, err, ErrUnknownComponent)
	})

	t.Run("duplicate registration panics", func(t *testing.T) {
		r := New()
		r.Register("tokenizer", nopFactory(false))
		assert.Panics(t, func() { r.Register("tokenizer", nopFactory(false)) })
	})

	t.Run("missing New panics", func(t *testing.T) {
		r := New()
		assert.Panics(t, func() { r.Register("broken", &Factory{}) })
	})
}

func TestClone(t *testing.T) {
	r := New()
	r.Register("tokenizer", nopFactory(false))

	clone := r.Clone()
	clone.Register("extra", nopFactory(false))

	assert.Equal(t, 2, clone.Types())
	assert.Equal(t, 1, r.Types())
	_, err := r.Factory("extra")
	assert.ErrorIs(t, err, ErrUnknownComponent)
}

func TestValidate(t *testing.T) {
	r := New()
	r.Register("tokenizer", nopFactory(false))
	r.Register("classifier", nopFactory(true))

	t.Run("valid schema passes", func(t *testing.T) {
		s, err := schema.New(
			&schema.Node{Name: "a", Uses: "tokenizer"},
			&schema.Node{Name: "b", Uses: "classifier", Constructor: schema.ConstructorLoad},
		)
		require.NoError(t, err)
		assert.NoError(t, r.Validate(s))
	})

	t.Run("unknown component type fails", func(t *testing.T) {
		s, err := schema.New(&schema.Node{Name: "a", Uses: "ghost"})
		require.NoError(t, err)
		assert.ErrorIs(t, r.Validate(s), ErrUnknownComponent)
	})

	t.Run("load constructor without Load fails", func(t *testing.T) {
		s, err := schema.New(&schema.Node{Name: "a", Uses: "tokenizer", Constructor: schema.ConstructorLoad})
		require.NoError(t, err)
		assert.ErrorContains(t, r.Validate(s), "does not support")
	})

	t.Run("unknown constructor selector fails", func(t *testing.T) {
		s, err := schema.New(&schema.Node{Name: "a", Uses: "tokenizer", Constructor: "summon"})
		require.NoError(t, err)
		assert.ErrorContains(t, r.Validate(s), "unknown constructor")
	})
}
