package nats

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestConnector(t *testing.T) {
	connect := NewTestContainer(t)

	t.Run("dial per call", func(t *testing.T) {
		nc1, release1, err := connect()
		require.NoError(t, err)
		nc2, release2, err := connect()
		require.NoError(t, err)
		require.NotSame(t, nc1, nc2)

		release1()
		require.True(t, nc1.IsClosed())
		require.True(t, nc2.IsConnected())
		release2()
	})

	t.Run("shared", func(t *testing.T) {
		shared := Shared(connect)

		nc1, release1, err := shared()
		require.NoError(t, err)
		nc2, release2, err := shared()
		require.NoError(t, err)
		require.Same(t, nc1, nc2)

		// double release counts once
		release1()
		release1()
		require.True(t, nc2.IsConnected())

		release2()
		require.True(t, nc1.IsClosed())

		nc3, release3, err := shared()
		require.NoError(t, err)
		require.NotSame(t, nc1, nc3)
		require.True(t, nc3.IsConnected())
		release3()
	})
}

func TestShared_ConnectError(t *testing.T) {
	shared := Shared(ConnectURL("nats://127.0.0.1:1", natsgo.Timeout(100*time.Millisecond)))
	_, _, err := shared()
	require.Error(t, err)
}

func TestLogConnectionEvents(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	var o natsgo.Options
	require.NoError(t, LogConnectionEvents(log)(&o))
	require.NotNil(t, o.DisconnectedErrCB)
	require.NotNil(t, o.ReconnectedCB)
	require.NotNil(t, o.ClosedCB)

	o.DisconnectedErrCB(nil, natsgo.ErrConnectionClosed)
	require.Contains(t, buf.String(), "nats disconnected")
}
