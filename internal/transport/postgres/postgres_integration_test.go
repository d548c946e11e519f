//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/procevents/internal/testinfra"
	"github.com/JakeFAU/procevents/internal/transport"
)

func TestNotifyReachesListener(t *testing.T) {
	testinfra.SkipIfNoDocker(t)
	dsn := testinfra.StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tr, err := Open(ctx, Config{DSN: dsn, MaxConns: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tr.Close()

	channel := transport.ChannelName("user@example.com")
	got := make(chan string, 1)
	sub, err := tr.Subscribe(ctx, channel, func(p []byte) { got <- string(p) })
	require.NoError(t, err)

	require.NoError(t, tr.Publish(ctx, channel, []byte(`{"origin":"a","event":{"type":"queued"}}`)))

	select {
	case p := <-got:
		require.JSONEq(t, `{"origin":"a","event":{"type":"queued"}}`, p)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	closeCtx, closeCancel := context.WithTimeout(ctx, 5*time.Second)
	defer closeCancel()
	require.NoError(t, sub.Close(closeCtx))
}
