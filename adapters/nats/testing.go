package nats

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestContainer starts a JetStream enabled NATS server for the duration
// of the test. The test is skipped when no container runtime is available.
func NewTestContainer(t *testing.T) Connector {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	natsC, err := testcontainers.Run(
		ctx, "nats:2.11-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	testcontainers.CleanupContainer(t, natsC)
	require.NoError(t, err)

	endpoint, err := natsC.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)
	t.Logf("nats endpoint: %s", endpoint)
	return ConnectURL(endpoint)
}

// NewTestBackend connects a Backend with its own stream and buckets to the
// given server.
func NewTestBackend(t *testing.T, connect Connector, name string) *Backend {
	t.Helper()
	b, err := New(Config{
		Connect:       connect,
		StreamName:    "ESTORE_" + name,
		SubjectPrefix: "estore." + name,
		BucketPrefix:  "estore_" + name,
		Storage:       StorageMemory,
	})
	require.NoError(t, err)
	require.NoError(t, b.Connect(t.Context()))
	t.Cleanup(func() { _ = b.Disconnect(context.Background()) })
	return b
}
