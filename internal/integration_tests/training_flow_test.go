package integration_tests

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/internal/component"
	"github.com/kilnml/kiln/internal/registry"
	"github.com/kilnml/kiln/internal/storage"
	"github.com/kilnml/kiln/internal/testutil"
)

const trainingSchema = `
node "corpus" {
  uses = "kiln.static"
  config {
    value = ["hello", "goodbye", "thanks"]
  }
}

node "features" {
  uses = "kiln.passthrough"
  needs = {
    examples = "corpus"
  }
}

node "clf" {
  uses     = "test.model"
  fn       = "train"
  target   = true
  resource = "clf"
  needs = {
    features = "features"
  }
}
`

// trainedModel persists its weights and counts real training invocations.
type trainedModel struct {
	calls *atomic.Int32
}

func (m *trainedModel) Execute(context.Context, string, map[string]any) (any, error) {
	m.calls.Add(1)
	return nil, nil
}

func (m *trainedModel) Persist(dir string) error {
	return os.WriteFile(filepath.Join(dir, "weights.bin"), []byte("trained-weights"), 0o644)
}

func registerModel(calls *atomic.Int32) func(*registry.Registry) {
	return func(reg *registry.Registry) {
		reg.Register("test.model", &registry.Factory{
			New: func(context.Context, component.Config) (component.Component, error) {
				return &trainedModel{calls: calls}, nil
			},
		})
	}
}

func TestEndToEndTrainingAndWarmRerun(t *testing.T) {
	files := map[string]string{"train.hcl": trainingSchema}
	var calls atomic.Int32

	first := testutil.RunTraining(t, files, nil, registerModel(&calls))
	require.NoError(t, first.Err)
	require.Equal(t, int32(1), calls.Load())
	require.FileExists(t, first.ArchivePath)

	// Second invocation shares the durable cache but uses a fresh storage
	// root; the model must come back from the cache without retraining.
	second := testutil.RunTraining(t, files, first, registerModel(&calls))
	require.NoError(t, second.Err)
	assert.Equal(t, int32(1), calls.Load(), "warm rerun must not invoke the model body")

	restored, _, err := storage.FromModelArchive(second.ArchivePath, filepath.Join(t.TempDir(), "unpacked"))
	require.NoError(t, err)
	dir, err := restored.ReadFrom(storage.Resource{Name: "clf"})
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, "weights.bin"))
	require.NoError(t, err)
	assert.Equal(t, "trained-weights", string(raw))
}

func TestEndToEndConfigChangeRetrains(t *testing.T) {
	files := map[string]string{"train.hcl": trainingSchema}
	var calls atomic.Int32

	first := testutil.RunTraining(t, files, nil, registerModel(&calls))
	require.NoError(t, first.Err)
	require.Equal(t, int32(1), calls.Load())

	// Change only the corpus configuration; the change must cascade down to
	// the model even though its own block is untouched.
	changed := map[string]string{"train.hcl": `
node "corpus" {
  uses = "kiln.static"
  config {
    value = ["hello", "goodbye", "thanks", "affirm"]
  }
}

node "features" {
  uses = "kiln.passthrough"
  needs = {
    examples = "corpus"
  }
}

node "clf" {
  uses     = "test.model"
  fn       = "train"
  target   = true
  resource = "clf"
  needs = {
    features = "features"
  }
}
`}
	second := testutil.RunTraining(t, changed, first, registerModel(&calls))
	require.NoError(t, second.Err)
	assert.Equal(t, int32(2), calls.Load(), "an upstream config change must retrain the model")
}
