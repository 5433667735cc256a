// Package influxdb records sync telemetry in InfluxDB.
//
// Every orchestration run produces one sync_run point and one sync_engine
// point per engine, tagged with the engine and its outcome:
//
//	sync_engine,engine=passwords,outcome=success applied=3i,failed=0i,sent=1i,took_ms=42i
//
// Writes go through the non-blocking batching write API of
// influxdb-client-go; write failures are reported through SetOnError.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry stays in logs and MQTT only
//	}
//	defer client.Close()
//
//	client.WriteSyncTelemetry("tabs", "success", map[string]any{"applied": 2})
package influxdb
