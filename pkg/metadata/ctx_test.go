package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()
	ctx1 := Set(ctx, "aaa", "zzz")
	ctx2 := Set(ctx1, "bbb", "ddd")
	ctx3 := Set(ctx2, "bbb", "333")

	v, ok := Get(ctx1, "aaa")
	require.True(t, ok)
	require.Equal(t, "zzz", v)

	v, ok = Get(ctx2, "aaa")
	require.True(t, ok)
	require.Equal(t, "zzz", v)

	// ctx1 must not see keys set on derived contexts
	_, ok = Get(ctx1, "bbb")
	require.False(t, ok)

	v, _ = Get(ctx2, "bbb")
	require.Equal(t, "ddd", v)

	v, _ = Get(ctx3, "bbb")
	require.Equal(t, "333", v)
}

func TestCtx_NoMetadata(t *testing.T) {
	_, ok := Get(context.Background(), "missing")
	require.False(t, ok)

	md, ok := FromContext(context.Background())
	require.False(t, ok)
	require.Nil(t, md)
}
