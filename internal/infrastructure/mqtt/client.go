package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
)

var (
	// ErrOffline is returned by operations that need a live broker session.
	ErrOffline = errors.New("mqtt: not connected to broker")

	// ErrConnect is returned by Connect when no session could be opened.
	ErrConnect = errors.New("mqtt: connect failed")

	// ErrPublish wraps publish failures.
	ErrPublish = errors.New("mqtt: publish failed")

	// ErrSubscribe wraps subscribe and unsubscribe failures.
	ErrSubscribe = errors.New("mqtt: subscribe failed")

	// ErrQoS is returned for QoS levels above 2.
	ErrQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrEmptyTopic is returned when the topic is "".
	ErrEmptyTopic = errors.New("mqtt: empty topic")

	// ErrAckTimeout is returned when the broker does not acknowledge in time.
	ErrAckTimeout = errors.New("mqtt: no acknowledgement from broker")
)

// Logger receives connection events and handler failures. logging.Logger
// satisfies it.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MessageHandler handles one received message. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// route is a tracked subscription, replayed after every reconnect.
type route struct {
	qos     byte
	handler MessageHandler
}

// Client is a broker session that announces the daemon's presence on the
// system status topic. All methods are safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	mu        sync.RWMutex
	up        bool
	routes    map[string]route
	onConnect func()
	onLost    func(err error)
	logger    Logger
}

// Connect opens a session with the broker in cfg. It returns once the
// broker has accepted the session, the connect timeout has passed, or ctx
// is done. A Last Will marks the daemon offline if it disappears.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	c := &Client{cfg: cfg, routes: make(map[string]route)}

	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log(func(l Logger) { l.Info("reconnecting to MQTT broker") })
	})

	c.paho = pahomqtt.NewClient(opts)
	if err := await(ctx, c.paho.Connect(), connectTimeout); err != nil {
		// With connect retry on, paho keeps trying until disconnected.
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	// The connect handler runs on its own goroutine and may lag behind.
	c.setUp(true)
	return c, nil
}

// await blocks on a paho token until it completes, timeout passes or ctx
// is done.
func await(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w within %v", ErrAckTimeout, timeout)
		}
		return ctx.Err()
	}
}

func (c *Client) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

// log calls fn with the logger when one is set.
func (c *Client) log(fn func(Logger)) {
	c.mu.RLock()
	l := c.logger
	c.mu.RUnlock()
	if l != nil {
		fn(l)
	}
}

func (c *Client) connected() {
	c.mu.Lock()
	c.up = true
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	hook := c.onConnect
	c.mu.Unlock()

	for topic, r := range routes {
		c.resubscribe(topic, r)
	}
	c.announce("online", "")

	if hook != nil {
		hook()
	}
}

func (c *Client) lost(err error) {
	c.mu.Lock()
	c.up = false
	hook := c.onLost
	c.mu.Unlock()

	c.log(func(l Logger) { l.Warn("MQTT connection lost", "error", err) })
	if hook != nil {
		hook(err)
	}
}

// resubscribe replays a tracked subscription without blocking the connect
// handler. A failure waits for the next reconnect.
func (c *Client) resubscribe(topic string, r route) {
	token := c.paho.Subscribe(topic, r.qos, c.wrapHandler(r.handler))
	go func() {
		if err := await(context.Background(), token, ackTimeout); err != nil {
			c.log(func(l Logger) {
				l.Warn("restoring MQTT subscription failed", "topic", topic, "error", err)
			})
		}
	}()
}

// announce publishes the retained presence status.
func (c *Client) announce(status, reason string) pahomqtt.Token {
	// #nosec G115 -- QoS is validated to 0..2
	return c.paho.Publish(Topics{}.SystemStatus(), byte(c.cfg.QoS), true,
		statusPayload(status, c.cfg.Broker.ClientID, reason))
}

// Close announces a graceful shutdown and ends the session. It is safe on a
// nil or never-connected client.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		c.announce("offline", "graceful_shutdown").WaitTimeout(ackTimeout)
	}
	c.paho.Disconnect(disconnectQuiesceMillis)
	c.setUp(false)
	return nil
}

// HealthCheck reports whether the session is up.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrOffline
	}
	return nil
}

// IsConnected reports whether the session is up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	up := c.up
	c.mu.RUnlock()
	return up && c.paho != nil && c.paho.IsConnected()
}

// SetOnConnect sets a hook run after every connect and reconnect.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// SetOnDisconnect sets a hook run when the session drops.
func (c *Client) SetOnDisconnect(fn func(err error)) {
	c.mu.Lock()
	c.onLost = fn
	c.mu.Unlock()
}

// SetLogger sets the logger.
func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	c.logger = l
	c.mu.Unlock()
}

// wrapHandler adapts handler to paho. Handler errors and panics are logged
// and never reach paho's goroutine.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		topic := msg.Topic()
		defer func() {
			if r := recover(); r != nil {
				c.log(func(l Logger) { l.Error("MQTT handler panic recovered", "topic", topic, "panic", r) })
			}
		}()
		if err := handler(topic, msg.Payload()); err != nil {
			c.log(func(l Logger) { l.Warn("MQTT handler returned error", "topic", topic, "error", err) })
		}
	}
}
