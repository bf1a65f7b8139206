// Package natsclient manages the pipeline's NATS connection and its
// JetStream streams and consumers. Consumers here hand the raw message to
// the handler: ack, nak-with-delay, and term decisions belong to the
// worker, since delivery disposition encodes the error classification.
package natsclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/2dots1line/cosmos/errors"
)

// Client wraps a NATS connection with JetStream helpers.
type Client struct {
	url    string
	logger *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream

	consumers   map[string]jetstream.ConsumeContext
	consumersMu sync.Mutex

	// Connection options.
	name          string
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	username      string
	password      string

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a NATS client with optional configuration.
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:           url,
		logger:        slog.Default(),
		consumers:     make(map[string]jetstream.ConsumeContext),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		timeout:       5 * time.Second,
		drainTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return c, nil
}

// Connect establishes the connection and initializes JetStream.
func (c *Client) Connect(ctx context.Context) error {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			c.logger.Info("nats reconnected")
		}),
	}
	if c.name != "" {
		opts = append(opts, nats.Name(c.name))
	}
	if c.username != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return errors.WrapTransient(err, "Client", "Connect", "initialize JetStream")
	}

	c.mu.Lock()
	c.conn = conn
	c.js = js
	c.mu.Unlock()

	c.logger.Info("connected to NATS", "url", c.url)

	// Respect caller cancellation that raced the connect.
	if ctx.Err() != nil {
		_ = c.Close(context.Background())
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	return nil
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureStream creates the stream if absent or updates it in place.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.jetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	return stream, nil
}

// Consume attaches a durable consumer to a stream and delivers messages to
// handler. The handler is responsible for Ack/Nak/NakWithDelay/Term; an
// unhandled message times out on AckWait and is redelivered.
func (c *Client) Consume(ctx context.Context, streamName string, cfg jetstream.ConsumerConfig, handler func(jetstream.Msg)) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, cfg)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "create consumer "+cfg.Durable)
	}

	consumeCtx, err := consumer.Consume(handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "Consume", "start consume "+cfg.Durable)
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	if c.isClosed() {
		consumeCtx.Stop()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Consume", "register consumer")
	}
	key := fmt.Sprintf("%s:%s", streamName, cfg.Durable)
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debug("replaced existing consumer", "key", key)
	}
	c.consumers[key] = consumeCtx
	return nil
}

// StopConsumers stops message delivery without closing the connection, so
// in-flight publishes (completion notifications) still go out during
// shutdown.
func (c *Client) StopConsumers() {
	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()
	for key, consumeCtx := range c.consumers {
		consumeCtx.Stop()
		c.logger.Debug("stopped consumer", "key", key)
	}
	c.consumers = make(map[string]jetstream.ConsumeContext)
}

// Publish publishes a message through JetStream with acknowledgement.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Close stops consumers and drains the connection.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.StopConsumers()

	if conn == nil {
		return nil
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	select {
	case err := <-drainDone:
		if err != nil {
			return errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-time.After(c.drainTimeout):
		conn.Close()
		return errors.WrapTransient(fmt.Errorf("drain timeout after %v", c.drainTimeout), "Client", "Close", "drain connection")
	case <-ctx.Done():
		conn.Close()
		return errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
	return nil
}

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(errors.ErrNotStarted, "Client", "jetStream", "get JetStream context")
	}
	return c.js, nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
