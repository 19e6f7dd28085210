package configstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStorePutGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "node-mask-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, "node-mask-1", []byte{0x01, 0x02}))

	v, ok, err := s.Get(ctx, "node-mask-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0x01, 0x02}, v)
}

func TestMemStoreGetReturnsCopy(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte{1, 2, 3}))

	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	v[0] = 99

	v2, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, byte(1), v2[0], "mutating a returned value must not affect stored state")
}

func TestKeyHelpers(t *testing.T) {
	require.Equal(t, "node-mask-3", NodeMaskKey(3))
	require.Equal(t, "lock-graph-3", LockGraphKey(3))
}
