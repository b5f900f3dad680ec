package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFilesByExtension(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for _, name := range []string{"a.hcl", "b.txt", "sub/c.hcl"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}

	t.Run("directory is searched recursively", func(t *testing.T) {
		files, err := FindFilesByExtension(".hcl", dir)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{
			filepath.Join(dir, "a.hcl"),
			filepath.Join(sub, "c.hcl"),
		}, files)
	})

	t.Run("plain file passes through regardless of extension", func(t *testing.T) {
		files, err := FindFilesByExtension(".hcl", filepath.Join(dir, "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, []string{filepath.Join(dir, "b.txt")}, files)
	})

	t.Run("duplicates collapse", func(t *testing.T) {
		files, err := FindFilesByExtension(".hcl", filepath.Join(dir, "a.hcl"), dir)
		require.NoError(t, err)
		assert.Len(t, files, 2)
	})

	t.Run("missing path errors", func(t *testing.T) {
		_, err := FindFilesByExtension(".hcl", filepath.Join(dir, "missing"))
		assert.Error(t, err)
	})
}
