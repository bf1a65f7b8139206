package natsclient

import (
	"log/slog"
	"time"

	"github.com/2dots1line/cosmos/errors"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger == nil {
			return errors.ErrInvalidConfig
		}
		c.logger = logger
		return nil
	}
}

// WithName sets the connection name reported to the server.
func WithName(name string) Option {
	return func(c *Client) error {
		c.name = name
		return nil
	}
}

// WithCredentials sets username/password authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithTimeout sets the connect timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.ErrInvalidConfig
		}
		c.timeout = d
		return nil
	}
}

// WithReconnectWait sets the wait between reconnect attempts.
func WithReconnectWait(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.ErrInvalidConfig
		}
		c.reconnectWait = d
		return nil
	}
}

// WithMaxReconnects bounds reconnect attempts; negative means unlimited.
func WithMaxReconnects(n int) Option {
	return func(c *Client) error {
		c.maxReconnects = n
		return nil
	}
}

// WithDrainTimeout bounds connection draining on Close.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return errors.ErrInvalidConfig
		}
		c.drainTimeout = d
		return nil
	}
}
