package syncmanager

import (
	"context"
	"errors"

	"github.com/nerrad567/appservices/internal/infrastructure/mqtt"
	"github.com/nerrad567/appservices/internal/syncengine"
)

// EventSyncCompleted is the broadcast channel for finished runs.
const EventSyncCompleted = "sync.completed"

// Sink receives the outcome of every run.
type Sink interface {
	Publish(ctx context.Context, resp *Response, status Status) error
}

// Publisher is the part of the MQTT client used by MQTTSink.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTSink publishes the run telemetry and the retained status summary.
type MQTTSink struct {
	Publisher Publisher
}

// Publish implements Sink.
func (s MQTTSink) Publish(_ context.Context, resp *Response, status Status) error {
	topics := mqtt.Topics{}
	return errors.Join(
		s.Publisher.PublishJSON(topics.SyncTelemetry(), resp.Telemetry, false),
		s.Publisher.PublishJSON(topics.SyncStatus(), status, true),
	)
}

// PointWriter is the part of the InfluxDB client used by InfluxSink.
type PointWriter interface {
	WriteSyncTelemetry(engine, outcome string, fields map[string]any)
	WriteSyncRun(reason, outcome string, fields map[string]any)
}

// InfluxSink writes one point per engine and one per run.
type InfluxSink struct {
	Writer PointWriter
}

// Publish implements Sink.
func (s InfluxSink) Publish(_ context.Context, resp *Response, _ Status) error {
	t := resp.Telemetry
	for _, et := range t.Engines {
		s.Writer.WriteSyncTelemetry(et.Name, EngineOutcome(et), map[string]any{
			"applied":     et.Incoming.Applied,
			"failed":      et.Incoming.Failed,
			"reconciled":  et.Incoming.Reconciled,
			"sent":        et.Outgoing.Sent,
			"send_failed": et.Outgoing.Failed,
			"took_ms":     et.TookMillis,
		})
	}
	s.Writer.WriteSyncRun(t.Reason, RunOutcome(t), map[string]any{
		"engines":     len(t.Engines),
		"successful":  len(resp.Successful),
		"unavailable": len(resp.Unavailable),
		"took_ms":     t.TookMillis,
	})
	return nil
}

// Broadcaster is the part of the API websocket hub used by BroadcastSink.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// BroadcastSink streams every response to websocket subscribers.
type BroadcastSink struct {
	Broadcaster Broadcaster
}

// Publish implements Sink.
func (s BroadcastSink) Publish(_ context.Context, resp *Response, _ Status) error {
	s.Broadcaster.Broadcast(EventSyncCompleted, resp)
	return nil
}

// EngineOutcome classifies one engine's part of a run as "failed", "wiped",
// "reset" or "success".
func EngineOutcome(et syncengine.EngineTelemetry) string {
	switch {
	case et.Failure != "":
		return "failed"
	case et.Wiped:
		return "wiped"
	case et.Reset != "":
		return "reset"
	default:
		return "success"
	}
}

// RunOutcome classifies a run as "aborted", "partial" or "success".
func RunOutcome(t syncengine.SyncTelemetry) string {
	switch {
	case t.Failure != "":
		return "aborted"
	case t.Failed():
		return "partial"
	default:
		return "success"
	}
}
