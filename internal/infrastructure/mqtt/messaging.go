package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
)

// checkTopic validates the arguments shared by publish and subscribe.
func checkTopic(topic string, qos byte) error {
	switch {
	case topic == "":
		return ErrEmptyTopic
	case qos > maxQoS:
		return ErrQoS
	}
	return nil
}

// Publish sends payload to topic and waits for the broker to acknowledge
// it. Retain only status topics; a retained command would replay on every
// restart.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if n := len(payload); n > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload over the %d byte limit", ErrPublish, n, maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrOffline
	}
	if err := await(context.Background(), c.paho.Publish(topic, qos, retained, payload), ackTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// PublishJSON publishes v as JSON with the configured QoS.
func (c *Client) PublishJSON(topic string, v any, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	// #nosec G115 -- QoS is validated to 0..2
	return c.Publish(topic, payload, byte(c.cfg.QoS), retained)
}

// Subscribe routes messages on topic, which may hold + and # wildcards, to
// handler. The route survives reconnects until Unsubscribe.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribe)
	}
	if !c.IsConnected() {
		return ErrOffline
	}

	c.track(topic, &route{qos: qos, handler: handler})
	if err := await(context.Background(), c.paho.Subscribe(topic, qos, c.wrapHandler(handler)), ackTimeout); err != nil {
		c.track(topic, nil)
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	return nil
}

// Unsubscribe drops the route registered for exactly topic.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if !c.IsConnected() {
		return ErrOffline
	}

	c.track(topic, nil)
	if err := await(context.Background(), c.paho.Unsubscribe(topic), ackTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribe, err)
	}
	return nil
}

// track records r for topic, or forgets topic when r is nil.
func (c *Client) track(topic string, r *route) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r == nil {
		delete(c.routes, topic)
		return
	}
	c.routes[topic] = *r
}

// SubscriptionCount returns the number of tracked routes.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.routes)
}

// HasSubscription reports whether a route is tracked for exactly topic.
func (c *Client) HasSubscription(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.routes[topic]
	return ok
}
