package hcl

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnml/kiln/internal/schema"
)

func writeSchemaFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSingleFile(t *testing.T) {
	path := writeSchemaFile(t, t.TempDir(), "train.hcl", `
node "importer" {
  uses = "kiln.importer"
  fn   = "load"
}

node "tokenizer" {
  uses = "kiln.tokenizer"
  fn   = "train"
  needs = {
    examples = "importer"
  }
  config {
    lowercase  = true
    max_tokens = 512
    stopwords  = ["a", "the"]
  }
}

node "classifier" {
  uses     = "kiln.classifier"
  fn       = "train"
  target   = true
  resource = "clf"
  eager    = true
  needs = {
    tokens = "tokenizer"
  }
}
`)

	sc, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, 3, sc.Len())

	tok := sc.Node("tokenizer")
	require.NotNil(t, tok)
	assert.Equal(t, "kiln.tokenizer", tok.Uses)
	assert.Equal(t, "train", tok.Fn)
	assert.Equal(t, map[string]string{"examples": "importer"}, tok.Needs)
	assert.Equal(t, true, tok.Config["lowercase"])
	assert.Equal(t, float64(512), tok.Config["max_tokens"])
	assert.Equal(t, []any{"a", "the"}, tok.Config["stopwords"])
	assert.False(t, tok.IsTarget)

	clf := sc.Node("classifier")
	require.NotNil(t, clf)
	assert.True(t, clf.IsTarget)
	assert.True(t, clf.Eager)
	assert.Equal(t, "clf", clf.Resource)
	assert.Equal(t, schema.ConstructorNew, clf.Constructor, "constructor defaults to new")
	assert.Nil(t, clf.Config)

	assert.Equal(t, []string{"classifier"}, sc.Targets())
}

func TestLoadDirectoryMergesFilesDeterministically(t *testing.T) {
	dir := t.TempDir()
	writeSchemaFile(t, dir, "b.hcl", `
node "second" {
  uses = "kiln.emit"
}
`)
	writeSchemaFile(t, dir, "a.hcl", `
node "first" {
  uses = "kiln.emit"
}
`)

	sc, err := Load(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, sc.Names(), "files load in sorted path order")
}

func TestLoadConstructorSelector(t *testing.T) {
	path := writeSchemaFile(t, t.TempDir(), "finetune.hcl", `
node "classifier" {
  uses        = "kiln.classifier"
  constructor = "load"
  resource    = "clf"
  target      = true
}
`)

	sc, err := Load(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, schema.ConstructorLoad, sc.Node("classifier").Constructor)
}

func TestLoadRejectsBadInput(t *testing.T) {
	t.Run("missing uses", func(t *testing.T) {
		path := writeSchemaFile(t, t.TempDir(), "bad.hcl", `
node "broken" {
  fn = "train"
}
`)
		_, err := Load(context.Background(), path)
		assert.ErrorContains(t, err, "uses")
	})

	t.Run("invalid syntax", func(t *testing.T) {
		path := writeSchemaFile(t, t.TempDir(), "bad.hcl", `node "broken" {`)
		_, err := Load(context.Background(), path)
		assert.Error(t, err)
	})

	t.Run("duplicate node across files", func(t *testing.T) {
		dir := t.TempDir()
		writeSchemaFile(t, dir, "a.hcl", `
node "dup" {
  uses = "kiln.emit"
}
`)
		writeSchemaFile(t, dir, "b.hcl", `
node "dup" {
  uses = "kiln.emit"
}
`)
		_, err := Load(context.Background(), dir)
		assert.ErrorIs(t, err, schema.ErrDuplicateNode)
	})

	t.Run("nonexistent path", func(t *testing.T) {
		_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.hcl"))
		assert.Error(t, err)
	})
}
