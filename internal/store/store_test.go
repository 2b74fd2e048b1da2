package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, BucketSequences, "seq-1", `{"name":"ramp"}`))

	value, ok, err := s.Get(ctx, BucketSequences, "seq-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"name":"ramp"}`, value)

	require.NoError(t, s.Delete(ctx, BucketSequences, "seq-1"))
	_, ok, err = s.Get(ctx, BucketSequences, "seq-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplaceAllReplacesBucketContents(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, BucketDeviceAliases, "stale", `"old"`))
	require.NoError(t, s.ReplaceAll(ctx, BucketDeviceAliases, []Entry{
		{Key: "dev-1", Value: `"bench supply"`},
		{Key: "dev-2", Value: `"scope"`},
	}))

	keys, err := s.List(ctx, BucketDeviceAliases)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev-1", "dev-2"}, keys)
}

func TestBucketsAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Set(ctx, BucketSequences, "shared-key", "a"))
	require.NoError(t, s.Set(ctx, BucketTriggerScripts, "shared-key", "b"))

	va, _, _ := s.Get(ctx, BucketSequences, "shared-key")
	vb, _, _ := s.Get(ctx, BucketTriggerScripts, "shared-key")
	assert.Equal(t, "a", va)
	assert.Equal(t, "b", vb)
}
