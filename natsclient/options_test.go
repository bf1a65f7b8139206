package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientDefaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.url)
	assert.Equal(t, -1, c.maxReconnects)
	assert.Equal(t, 5*time.Second, c.timeout)
	assert.False(t, c.IsHealthy(), "not connected yet")
}

func TestNewClientOptions(t *testing.T) {
	logger := slog.Default()
	c, err := NewClient("nats://nats:4222",
		WithLogger(logger),
		WithName("cosmos-workers"),
		WithCredentials("cosmos", "secret"),
		WithTimeout(time.Second),
		WithReconnectWait(500*time.Millisecond),
		WithMaxReconnects(10),
		WithDrainTimeout(3*time.Second),
	)
	require.NoError(t, err)
	assert.Equal(t, "cosmos-workers", c.name)
	assert.Equal(t, "cosmos", c.username)
	assert.Equal(t, time.Second, c.timeout)
	assert.Equal(t, 10, c.maxReconnects)
	assert.Equal(t, 3*time.Second, c.drainTimeout)
}

func TestNewClientInvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithTimeout(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.Error(t, err)
}

func TestPublishWithoutConnection(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	err = c.Publish(context.Background(), "cosmos.events.test", []byte("{}"))
	assert.Error(t, err)
}
