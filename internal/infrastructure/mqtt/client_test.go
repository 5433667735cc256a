package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/appservices/internal/infrastructure/config"
)

func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// connectTestClient connects to a local broker, skipping the test if none
// is listening.
func connectTestClient(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig(clientID)

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port), 500*time.Millisecond)
	if err != nil {
		t.Skipf("no MQTT broker at %s:%d: %v", cfg.Broker.Host, cfg.Broker.Port, err)
	}
	conn.Close()

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestTopics(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"SystemStatus", topics.SystemStatus(), "appservices/system/status"},
		{"SyncStatus", topics.SyncStatus(), "appservices/sync/status"},
		{"SyncTelemetry", topics.SyncTelemetry(), "appservices/sync/telemetry"},
		{"CommandSync", topics.CommandSync(), "appservices/command/sync"},
		{"CommandInterrupt", topics.CommandInterrupt(), "appservices/command/interrupt"},
		{"AllCommands", topics.AllCommands(), "appservices/command/+"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("appservices-test")
	cfg.Auth = config.MQTTAuthConfig{Username: "sync", Password: "secret"}

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "appservices-test" {
		t.Errorf("ClientID = %q, want appservices-test", opts.ClientID)
	}
	if opts.Username != "sync" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want sync/secret", opts.Username, opts.Password)
	}
	if opts.MaxReconnectInterval != 5*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 5s", opts.MaxReconnectInterval)
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS configured without broker.tls")
	}

	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883
	opts = buildClientOptions(cfg)
	if opts.Servers[0].Scheme != "ssl" {
		t.Errorf("scheme = %q, want ssl", opts.Servers[0].Scheme)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion == 0 {
		t.Error("TLS config missing minimum version")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig("appservices-lwt"))
	configureLWT(opts, "appservices-lwt")

	if !opts.WillEnabled || !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will enabled=%v retained=%v qos=%d", opts.WillEnabled, opts.WillRetained, opts.WillQos)
	}
	if opts.WillTopic != "appservices/system/status" {
		t.Errorf("WillTopic = %q", opts.WillTopic)
	}

	var msg presence
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if msg.Status != "offline" || msg.Reason != "unexpected_disconnect" || msg.ClientID != "appservices-lwt" {
		t.Errorf("will payload = %+v", msg)
	}
}

func TestStatusPayload_OmitsEmptyReason(t *testing.T) {
	var msg map[string]any
	if err := json.Unmarshal(statusPayload("online", "c1", ""), &msg); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if _, ok := msg["reason"]; ok {
		t.Error("online payload carries a reason")
	}
	if _, err := time.Parse(time.RFC3339, msg["timestamp"].(string)); err != nil {
		t.Errorf("timestamp %v is not RFC3339: %v", msg["timestamp"], err)
	}
}

func TestDisconnectedClient(t *testing.T) {
	client := &Client{routes: make(map[string]route)}
	handler := func(string, []byte) error { return nil }

	if client.IsConnected() {
		t.Error("IsConnected() = true for uninitialised client")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("HealthCheck() error = %v, want ErrOffline", err)
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", client.Publish("", nil, 1, false), ErrEmptyTopic},
		{"publish bad qos", client.Publish("t", nil, 3, false), ErrQoS},
		{"publish too large", client.Publish("t", make([]byte, maxPayloadSize+1), 1, false), ErrPublish},
		{"publish disconnected", client.Publish("t", []byte("x"), 1, false), ErrOffline},
		{"publish json unencodable", client.PublishJSON("t", make(chan int), false), ErrPublish},
		{"subscribe empty topic", client.Subscribe("", 1, handler), ErrEmptyTopic},
		{"subscribe bad qos", client.Subscribe("t", 3, handler), ErrQoS},
		{"subscribe nil handler", client.Subscribe("t", 1, nil), ErrSubscribe},
		{"subscribe disconnected", client.Subscribe("t", 1, handler), ErrOffline},
		{"unsubscribe empty topic", client.Unsubscribe(""), ErrEmptyTopic},
		{"unsubscribe disconnected", client.Unsubscribe("t"), ErrOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Client{}).HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	var client *Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestConnect_Cancelled(t *testing.T) {
	cfg := testConfig("appservices-cancelled")
	cfg.Broker.Port = 19998

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Connect(ctx, cfg)
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("Connect() error = %v, want ErrConnect", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Connect() took %v after the context expired", elapsed)
	}
}

func TestWrapHandler_RecoversPanic(t *testing.T) {
	logger := &recordingLogger{}
	client := &Client{}
	client.SetLogger(logger)

	wrapped := client.wrapHandler(func(string, []byte) error { panic("boom") })
	wrapped(nil, fakeMessage{topic: "appservices/command/sync"})

	wrapped = client.wrapHandler(func(string, []byte) error { return errors.New("bad command") })
	wrapped(nil, fakeMessage{topic: "appservices/command/sync"})

	if got := logger.messages(); len(got) != 2 ||
		got[0] != "MQTT handler panic recovered" || got[1] != "MQTT handler returned error" {
		t.Errorf("logged %v", got)
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectTestClient(t, "appservices-roundtrip")

	received := make(chan []byte, 1)
	topic := "appservices/test/roundtrip"
	err := client.Subscribe(topic, 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(topic) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	if err := client.PublishJSON(topic, map[string]int{"runs": 3}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"runs":3}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(topic); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", client.SubscriptionCount())
	}
}

func TestCommandWildcard(t *testing.T) {
	client := connectTestClient(t, "appservices-commands")
	topics := Topics{}

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{}, 2)
	err := client.Subscribe(topics.AllCommands(), 1, func(topic string, _ []byte) error {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, topic := range []string{topics.CommandSync(), topics.CommandInterrupt()} {
		if err := client.Publish(topic, []byte("{}"), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}
	for range 2 {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("received only %v", got)
		}
	}
}

type fakeMessage struct {
	topic string
}

func (fakeMessage) Duplicate() bool   { return false }
func (fakeMessage) Qos() byte         { return 1 }
func (fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string   { return m.topic }
func (fakeMessage) MessageID() uint16 { return 1 }
func (fakeMessage) Payload() []byte   { return nil }
func (fakeMessage) Ack()              {}

type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) record(msg string) {
	l.mu.Lock()
	l.msgs = append(l.msgs, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record(msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record(msg) }

func (l *recordingLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}
