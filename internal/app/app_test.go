package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/internal/storage"
)

const trainSchema = `
node "corpus" {
  uses = "kiln.static"
  config {
    value = ["hello", "goodbye"]
  }
}

node "model" {
  uses   = "kiln.passthrough"
  target = true
  needs = {
    examples = "corpus"
  }
}
`

func testConfig(t *testing.T, schemaPath string) *Config {
	t.Helper()
	work := t.TempDir()
	cfg, err := NewConfig(Config{
		SchemaPath: schemaPath,
		OutputPath: filepath.Join(work, "model.tar.gz"),
		CacheDir:   "",
		StorageDir: filepath.Join(work, "storage"),
		Workers:    2,
		LogFormat:  "text",
		LogLevel:   "error",
	})
	require.NoError(t, err)
	return cfg
}

func writeSchema(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "train.hcl")
	require.NoError(t, os.WriteFile(path, []byte(trainSchema), 0o644))
	return path
}

func TestAppTrainsAndPackages(t *testing.T) {
	cfg := testConfig(t, writeSchema(t))
	var out bytes.Buffer

	require.NoError(t, NewApp(&out, cfg).Run(context.Background()))

	assert.Contains(t, out.String(), cfg.OutputPath)

	_, meta, err := storage.FromModelArchive(cfg.OutputPath, filepath.Join(t.TempDir(), "unpacked"))
	require.NoError(t, err)
	require.NotNil(t, meta.TrainSchema)
	assert.NotNil(t, meta.TrainSchema.Node("model"))
	assert.NotNil(t, meta.PredictSchema)
}

func TestAppDryRunPrintsPlan(t *testing.T) {
	cfg := testConfig(t, writeSchema(t))
	cfg.DryRun = true
	var out bytes.Buffer

	require.NoError(t, NewApp(&out, cfg).Run(context.Background()))

	assert.Contains(t, out.String(), "fingerprint plan:")
	assert.Contains(t, out.String(), "miss  model")
	assert.NoFileExists(t, cfg.OutputPath, "a dry run must not train or package")
}

func TestAppDurableCacheWarmsSecondRun(t *testing.T) {
	schemaPath := writeSchema(t)
	cfg := testConfig(t, schemaPath)
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")

	var first bytes.Buffer
	require.NoError(t, NewApp(&first, cfg).Run(context.Background()))

	cfg.DryRun = true
	var second bytes.Buffer
	require.NoError(t, NewApp(&second, cfg).Run(context.Background()))
	assert.Contains(t, second.String(), "hit   model", "the plan must hit against the cache of the first run")
}

func TestAppDescribePrintsMetadata(t *testing.T) {
	cfg := testConfig(t, writeSchema(t))
	var out bytes.Buffer
	require.NoError(t, NewApp(&out, cfg).Run(context.Background()))

	describeCfg, err := NewConfig(Config{
		DescribePath: cfg.OutputPath,
		LogFormat:    "text",
		LogLevel:     "error",
	})
	require.NoError(t, err)

	var described bytes.Buffer
	require.NoError(t, NewApp(&described, describeCfg).Run(context.Background()))
	assert.Contains(t, described.String(), "format_version:")
	assert.Contains(t, described.String(), "train_schema:")
}

func TestAppSurfacesSchemaErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
node "a" {
  uses = "kiln.static"
  needs = {
    x = "ghost"
  }
  target = true
}
`), 0o644))

	cfg := testConfig(t, path)
	var out bytes.Buffer
	err := NewApp(&out, cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "ghost")
}
