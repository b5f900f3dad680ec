package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeUnderTest runs the same contract assertions against every Store
// implementation.
func storeUnderTest(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("probe and get miss on empty store", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		found, err := s.Probe(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, found)

		entry, err := s.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("put then get round-trips", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		want := Entry{OutputFingerprint: "out-1", Payload: []byte("payload")}
		require.NoError(t, s.Put(ctx, "k1", want))

		found, err := s.Probe(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, found)

		got, err := s.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want, *got)
	})

	t.Run("entry without payload", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, "k2", Entry{OutputFingerprint: "out-2"}))
		got, err := s.Get(ctx, "k2")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "out-2", got.OutputFingerprint)
		assert.Empty(t, got.Payload)
	})

	t.Run("entries are write-once", func(t *testing.T) {
		s := open(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, "k3", Entry{OutputFingerprint: "first"}))
		require.NoError(t, s.Put(ctx, "k3", Entry{OutputFingerprint: "second"}))

		got, err := s.Get(ctx, "k3")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "first", got.OutputFingerprint)
	})
}

func TestInMemoryStore(t *testing.T) {
	storeUnderTest(t, func(t *testing.T) Store {
		return NewInMemory()
	})
}

func TestBadgerStoreInMemoryMode(t *testing.T) {
	storeUnderTest(t, func(t *testing.T) Store {
		s, err := OpenBadger(BadgerConfig{InMemory: true})
		require.NoError(t, err)
		return s
	})
}

func TestBadgerStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := OpenBadger(BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "persisted", Entry{OutputFingerprint: "out", Payload: []byte("blob")}))
	require.NoError(t, s.Close())

	reopened, err := OpenBadger(BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, "persisted")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "out", got.OutputFingerprint)
	assert.Equal(t, []byte("blob"), got.Payload)
}
