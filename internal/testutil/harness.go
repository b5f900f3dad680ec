package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/internal/app"
	"github.com/kilnml/kiln/internal/registry"
)

// HarnessResult holds the outcomes of an end-to-end training run.
type HarnessResult struct {
	LogOutput   string
	Err         error
	ArchivePath string
	StorageDir  string
	CacheDir    string
}

// WriteFiles materializes the given name→content map under a fresh temp
// directory and returns its path.
func WriteFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

// RunTraining runs a full train-and-package invocation over the given schema
// files, using the app's core components plus any extra registrations. The
// cache and storage directories persist across calls that share a previous
// result, which lets tests exercise warm-cache behavior.
func RunTraining(t *testing.T, files map[string]string, previous *HarnessResult, components ...func(*registry.Registry)) *HarnessResult {
	t.Helper()

	schemaDir := WriteFiles(t, files)
	work := t.TempDir()

	result := &HarnessResult{
		ArchivePath: filepath.Join(work, "model.tar.gz"),
		StorageDir:  filepath.Join(work, "storage"),
		CacheDir:    filepath.Join(work, "cache"),
	}
	if previous != nil {
		result.CacheDir = previous.CacheDir
	}

	cfg, err := app.NewConfig(app.Config{
		SchemaPath: schemaDir,
		OutputPath: result.ArchivePath,
		CacheDir:   result.CacheDir,
		StorageDir: result.StorageDir,
		Workers:    4,
		LogFormat:  "text",
		LogLevel:   "debug",
	})
	require.NoError(t, err)

	out := &SafeBuffer{}
	registrations := append([]func(*registry.Registry){app.RegisterCoreComponents}, components...)
	result.Err = app.NewApp(out, cfg, registrations...).Run(context.Background())
	result.LogOutput = out.String()
	return result
}
