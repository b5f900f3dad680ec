package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWriteToReadFrom(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		h, err := s.WriteTo(Resource{Name: "classifier"})
		require.NoError(t, err)
		writeFile(t, h.Dir(), "weights.bin", "0101")
		h.Release()

		dir, err := s.ReadFrom(Resource{Name: "classifier"})
		require.NoError(t, err)
		raw, err := os.ReadFile(filepath.Join(dir, "weights.bin"))
		require.NoError(t, err)
		assert.Equal(t, "0101", string(raw))
	})

	t.Run("write is exclusive until release", func(t *testing.T) {
		h, err := s.WriteTo(Resource{Name: "held"})
		require.NoError(t, err)

		_, err = s.WriteTo(Resource{Name: "held"})
		assert.ErrorContains(t, err, "already being written")

		h.Release()
		h.Release() // idempotent

		h2, err := s.WriteTo(Resource{Name: "held"})
		require.NoError(t, err)
		h2.Release()
	})

	t.Run("reading an unknown resource fails", func(t *testing.T) {
		_, err := s.ReadFrom(Resource{Name: "ghost"})
		assert.ErrorContains(t, err, "not found")
	})
}

func TestDirDigest(t *testing.T) {
	build := func(t *testing.T) string {
		dir := t.TempDir()
		writeFile(t, dir, "a.txt", "alpha")
		writeFile(t, dir, "sub/b.txt", "beta")
		return dir
	}

	t.Run("equal trees give equal digests", func(t *testing.T) {
		d1, err := DirDigest(build(t))
		require.NoError(t, err)
		d2, err := DirDigest(build(t))
		require.NoError(t, err)
		assert.Equal(t, d1, d2)
	})

	t.Run("content change gives a new digest", func(t *testing.T) {
		dir := build(t)
		d1, err := DirDigest(dir)
		require.NoError(t, err)
		writeFile(t, dir, "a.txt", "changed")
		d2, err := DirDigest(dir)
		require.NoError(t, err)
		assert.NotEqual(t, d1, d2)
	})
}

func TestPackUnpackDir(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "model.json", `{"w":1}`)
	writeFile(t, src, "vocab/tokens.txt", "hello\nworld\n")

	blob, err := PackDir(src)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, UnpackDir(blob, dest))

	srcDigest, err := DirDigest(src)
	require.NoError(t, err)
	destDigest, err := DirDigest(dest)
	require.NoError(t, err)
	assert.Equal(t, srcDigest, destDigest)
}

func TestUntarRejectsEscapingEntries(t *testing.T) {
	// Hand-build a blob whose entry path climbs out of the destination.
	src := t.TempDir()
	writeFile(t, src, "ok.txt", "fine")
	blob, err := PackDir(src)
	require.NoError(t, err)

	// Sanity: a benign blob unpacks.
	require.NoError(t, UnpackDir(blob, filepath.Join(t.TempDir(), "out")))

	evil := tarWithEntry(t, "../escape.txt", "nope")
	err = UnpackDir(evil, filepath.Join(t.TempDir(), "out"))
	assert.ErrorContains(t, err, "escapes destination")
}
