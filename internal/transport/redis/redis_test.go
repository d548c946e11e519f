package redis

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/procevents/internal/transport"
)

func TestOpenRejectsBadURL(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), "http://not-redis", nil)
	require.ErrorContains(t, err, "parse cache url")
}

func TestClosedTransportRejectsUse(t *testing.T) {
	t.Parallel()

	tr := New(goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"}), nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	ctx := context.Background()
	require.ErrorIs(t, tr.Publish(ctx, "procevt_u_u1", []byte("{}")), transport.ErrClosed)
	_, err := tr.Subscribe(ctx, "procevt_u_u1", func([]byte) {})
	require.ErrorIs(t, err, transport.ErrClosed)
}
