package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/appservices/internal/auth"
	"github.com/nerrad567/appservices/internal/infrastructure/config"
	"github.com/nerrad567/appservices/internal/infrastructure/logging"
)

// Stream message types.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgAck         = "ack"
	MsgError       = "error"
	MsgEvent       = "event"
	MsgSnapshot    = "snapshot"
)

// ChannelSyncStatus carries the manager status snapshot sent on connect.
const ChannelSyncStatus = "sync.status"

// channelAll subscribes a client to every channel.
const channelAll = "*"

const (
	// streamBufferSize is the per-client outbound queue length.
	streamBufferSize = 64

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// wsTimings returns the ping interval and pong timeout, with defaults for
// unset values.
func wsTimings(cfg config.WebSocketConfig) (ping, pong time.Duration) {
	ping, pong = time.Duration(cfg.PingInterval)*time.Second, time.Duration(cfg.PongTimeout)*time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, pong
}

// StreamMessage is one frame on the telemetry stream, in either direction.
//
// Clients send subscribe, unsubscribe and ping frames with an ID and, for
// the first two, Channels. The server answers with ack, pong or error frames
// echoing the ID, and pushes event and snapshot frames with Channel and Data.
type StreamMessage struct {
	Type     string    `json:"type"`
	ID       string    `json:"id,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Channels []string  `json:"channels,omitempty"`
	Time     time.Time `json:"time"`
	Data     any       `json:"data,omitempty"`
}

// Hub fans sync events out to stream clients. It satisfies
// syncmanager.Broadcaster, so telemetry reaches clients subscribed to
// syncmanager.EventSyncCompleted.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
}

// streamClient is one connected stream.
type streamClient struct {
	hub  *Hub
	conn *websocket.Conn

	subject string
	role    auth.Role

	mu       sync.RWMutex
	channels map[string]struct{}

	out       chan []byte
	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are checked by the CORS middleware.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates a hub. Run must be called for it to shut down clients.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger.With("component", "stream"),
		clients: make(map[*streamClient]struct{}),
	}
}

// Run blocks until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
	if len(clients) > 0 {
		h.logger.Info("stream clients disconnected", "count", len(clients))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends payload as an event on channel to every subscribed client.
// A client whose queue is full misses the event.
func (h *Hub) Broadcast(channel string, payload any) {
	data, err := encodeFrame(StreamMessage{Type: MsgEvent, Channel: channel, Data: payload})
	if err != nil {
		h.logger.Error("encoding stream event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	recipients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		if c.subscribed(channel) {
			recipients = append(recipients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		if !c.deliver(data) {
			h.logger.Warn("stream client too slow, event dropped",
				"subject", c.subject,
				"channel", channel,
				"dropped", c.dropped.Load(),
			)
		}
	}
}

func (h *Hub) add(c *streamClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("stream client connected", "subject", c.subject, "role", c.role, "clients", n)
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.shutdown()
	h.logger.Debug("stream client disconnected", "subject", c.subject, "clients", n)
}

func encodeFrame(msg StreamMessage) ([]byte, error) {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// handleWebSocket upgrades an authenticated request to a telemetry stream.
// The ticket query parameter comes from POST /api/v1/ws/ticket and is
// consumed here. Channels listed in the comma separated "channels"
// parameter are subscribed straight away. The first frame is always a
// snapshot of the sync status.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ticket := r.URL.Query().Get("ticket")
	if ticket == "" {
		writeProblem(w, http.StatusUnauthorized, "ticket query parameter is required")
		return
	}
	entry, ok := s.tickets.consume(ticket)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "invalid or expired ticket")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		hub:      s.hub,
		conn:     conn,
		subject:  entry.subject,
		role:     entry.role,
		channels: make(map[string]struct{}),
		out:      make(chan []byte, streamBufferSize),
	}
	c.subscribe(splitChannels(r.URL.Query().Get("channels")))

	if snap, err := encodeFrame(StreamMessage{
		Type:    MsgSnapshot,
		Channel: ChannelSyncStatus,
		Data:    s.sync.Status(),
	}); err == nil {
		c.deliver(snap)
	}

	s.hub.add(c)
	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func splitChannels(list string) []string {
	var out []string
	for _, ch := range strings.Split(list, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func (c *streamClient) subscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	c.mu.Unlock()
}

func (c *streamClient) unsubscribe(channels []string) {
	c.mu.Lock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	c.mu.Unlock()
}

func (c *streamClient) subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[channelAll]; ok {
		return true
	}
	_, ok := c.channels[channel]
	return ok
}

// deliver queues data without blocking. It reports false when the queue is
// full; a closed client silently discards.
func (c *streamClient) deliver(data []byte) bool {
	if c.closed.Load() {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return true
	}
	select {
	case c.out <- data:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// shutdown closes the outbound queue once. The write loop then sends a close
// frame and closes the connection.
func (c *streamClient) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		close(c.out)
		c.mu.Unlock()
	})
}

func (c *streamClient) reply(msg StreamMessage) {
	data, err := encodeFrame(msg)
	if err != nil {
		return
	}
	c.deliver(data)
}

func (c *streamClient) readLoop(cfg config.WebSocketConfig) {
	defer c.hub.remove(c)

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	ping, pong := wsTimings(cfg)
	extend := func() error { return c.conn.SetReadDeadline(time.Now().Add(ping + pong)) }
	extend() //nolint:errcheck // A failed deadline surfaces as a read error
	c.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("stream read failed", "subject", c.subject, "error", err)
			}
			return
		}
		// Application frames count as liveness too.
		extend() //nolint:errcheck // A failed deadline surfaces as a read error

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(StreamMessage{Type: MsgError, Data: errorData("invalid JSON frame")})
			continue
		}
		c.handle(msg)
	}
}

func (c *streamClient) handle(msg StreamMessage) {
	switch msg.Type {
	case MsgSubscribe:
		if len(msg.Channels) == 0 {
			c.reply(StreamMessage{Type: MsgError, ID: msg.ID, Data: errorData("channels are required")})
			return
		}
		c.subscribe(msg.Channels)
		c.hub.logger.Debug("stream client subscribed", "subject", c.subject, "channels", msg.Channels)
		c.reply(StreamMessage{Type: MsgAck, ID: msg.ID, Channels: msg.Channels})
	case MsgUnsubscribe:
		c.unsubscribe(msg.Channels)
		c.reply(StreamMessage{Type: MsgAck, ID: msg.ID, Channels: msg.Channels})
	case MsgPing:
		c.reply(StreamMessage{Type: MsgPong, ID: msg.ID})
	default:
		c.reply(StreamMessage{Type: MsgError, ID: msg.ID, Data: errorData("unknown frame type: " + msg.Type)})
	}
}

func errorData(message string) map[string]string {
	return map[string]string{"message": message}
}

func (c *streamClient) writeLoop(cfg config.WebSocketConfig) {
	ping, pong := wsTimings(cfg)
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // Write error is checked
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck // Best-effort goodbye
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // Write error is checked
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
