package diskcas

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nexusfs/core/pkg/errtypes"
	"github.com/nexusfs/core/pkg/nxctx"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(map[string]interface{}{"root": t.TempDir()})
	require.NoError(t, err)
	return b.(*Backend)
}

func TestWriteContentIsIdempotent(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	opctx := nxctx.OpCtx{}

	h1, err := b.WriteContent(ctx, opctx, []byte("hello"))
	require.NoError(t, err)
	h2, err := b.WriteContent(ctx, opctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	b.mu.Lock()
	require.EqualValues(t, 2, b.refs[h1])
	b.mu.Unlock()
}

func TestReadContentRoundTrip(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	opctx := nxctx.OpCtx{}

	hash, err := b.WriteContent(ctx, opctx, []byte("round trip"))
	require.NoError(t, err)

	data, err := b.ReadContent(ctx, opctx, hash)
	require.NoError(t, err)
	require.Equal(t, "round trip", string(data))
}

func TestReadContentNotFound(t *testing.T) {
	b := newBackend(t)
	_, err := b.ReadContent(context.Background(), nxctx.OpCtx{}, "deadbeef")
	var nf errtypes.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestDeleteContentRefCounted(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	opctx := nxctx.OpCtx{}

	hash, err := b.WriteContent(ctx, opctx, []byte("data"))
	require.NoError(t, err)
	_, err = b.WriteContent(ctx, opctx, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, b.DeleteContent(ctx, opctx, hash))
	_, err = b.ReadContent(ctx, opctx, hash)
	require.NoError(t, err, "blob should survive while refs remain")

	require.NoError(t, b.DeleteContent(ctx, opctx, hash))
	_, err = b.ReadContent(ctx, opctx, hash)
	require.Error(t, err, "blob should be gone once refs reach zero")
}

func TestDeleteContentUnknownHashIsSafe(t *testing.T) {
	b := newBackend(t)
	require.NoError(t, b.DeleteContent(context.Background(), nxctx.OpCtx{}, "unknown"))
}

func TestStreamRange(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	opctx := nxctx.OpCtx{}

	hash, err := b.WriteContent(ctx, opctx, []byte("0123456789"))
	require.NoError(t, err)

	rc, err := b.StreamRange(ctx, opctx, hash, 2, 5, 1024)
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 16)
	n, _ := rc.Read(buf)
	require.Equal(t, "234", string(buf[:n]))
}
