package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	// MeasurementSyncEngine holds one point per engine per sync run.
	MeasurementSyncEngine = "sync_engine"

	// MeasurementSyncRun holds one point per sync run.
	MeasurementSyncRun = "sync_run"
)

// WriteSyncTelemetry records the outcome of one engine in a sync run.
//
// Parameters:
//   - engine: Engine name (e.g. "passwords"), stored as a tag
//   - outcome: "success", "failed", "wiped" or "reset", stored as a tag
//   - fields: Counters such as applied, failed, reconciled, sent, took_ms
//
// Example:
//
//	client.WriteSyncTelemetry("tabs", "success", map[string]any{"applied": 2, "took_ms": 31})
func (c *Client) WriteSyncTelemetry(engine, outcome string, fields map[string]any) {
	c.WritePoint(MeasurementSyncEngine, map[string]string{
		"engine":  engine,
		"outcome": outcome,
	}, fields)
}

// WriteSyncRun records the summary of one sync run.
func (c *Client) WriteSyncRun(reason, outcome string, fields map[string]any) {
	c.WritePoint(MeasurementSyncRun, map[string]string{
		"reason":  reason,
		"outcome": outcome,
	}, fields)
}

// WritePoint writes a point stamped now. Points without fields are dropped.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	c.WritePointWithTime(measurement, tags, fields, time.Now())
}

// WritePointWithTime writes a point with an explicit timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) {
	if c.closed.Load() || len(fields) == 0 {
		return
	}
	c.writer.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
