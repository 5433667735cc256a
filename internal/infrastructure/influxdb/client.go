package influxdb

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
)

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false.
	ErrDisabled = errors.New("influxdb: telemetry disabled")

	// ErrUnreachable is returned by Connect when the server does not answer
	// a ping.
	ErrUnreachable = errors.New("influxdb: server unreachable")

	// ErrClosed is returned by HealthCheck after Close.
	ErrClosed = errors.New("influxdb: client closed")

	// ErrWrite wraps batch write failures handed to SetOnError.
	ErrWrite = errors.New("influxdb: batch write rejected")
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	fallbackBatchSize    = 100
	fallbackFlushSeconds = 10
)

// Client records sync telemetry points. Writes are batched and never block
// the caller; the batch writer reports failures through SetOnError.
type Client struct {
	client influxdb2.Client
	writer api.WriteAPI

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]
}

// Connect pings the server at cfg.URL and starts a batch writer for
// cfg.Org and cfg.Bucket.
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, clientOptions(cfg))
	if err := ping(ctx, client, connectTimeout); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	c := &Client{client: client, writer: client.WriteAPI(cfg.Org, cfg.Bucket)}
	go c.forwardErrors(c.writer.Errors())
	return c, nil
}

// clientOptions turns the batch settings into client options, falling back
// to defaults for unset values.
func clientOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch, flush := cfg.BatchSize, cfg.FlushInterval
	if batch <= 0 {
		batch = fallbackBatchSize
	}
	if flush <= 0 {
		flush = fallbackFlushSeconds
	}
	flushMillis := time.Duration(flush) * time.Second / time.Millisecond
	// #nosec G115 -- both values are positive
	return influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).
		SetFlushInterval(uint(flushMillis))
}

func ping(ctx context.Context, client influxdb2.Client, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := client.Ping(ctx)
	switch {
	case err != nil:
		return err
	case !ok:
		return errors.New("ping reported unhealthy")
	}
	return nil
}

// forwardErrors drains errs until the client closes.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		if fn := c.onError.Load(); fn != nil {
			(*fn)(fmt.Errorf("%w: %w", ErrWrite, err))
		}
	}
}

// SetOnError installs the handler for batch write failures. A nil fn
// discards them.
func (c *Client) SetOnError(fn func(err error)) {
	if fn == nil {
		c.onError.Store(nil)
		return
	}
	c.onError.Store(&fn)
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := ping(ctx, c.client, pingTimeout); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush writes buffered points and waits for the batch to complete.
func (c *Client) Flush() {
	if !c.closed.Load() {
		c.writer.Flush()
	}
}

// Close flushes pending points and releases the client. It is safe to call
// more than once and on a nil client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	if c.closed.CompareAndSwap(false, true) {
		c.writer.Flush()
		c.client.Close()
	}
	return nil
}
