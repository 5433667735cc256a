// Package api implements the HTTP status API and WebSocket telemetry stream
// of the appservices daemon.
//
// This package provides:
//   - Read-only endpoints for sync status and the registered engines
//   - Authenticated endpoints to trigger, interrupt and disconnect sync
//   - A WebSocket hub that streams every completed sync to subscribers
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// Mutating endpoints require a JWT bearer token signed with the configured
// secret; the token's role decides what it may do (see auth.HasPermission).
// WebSocket connections use single-use tickets so tokens never appear in URLs.
//
// Triggering a sync is rate limited when api.rate_limit is enabled.
//
// # Stream
//
// A stream connection first receives a "snapshot" frame holding the sync
// status on channel sync.status. Afterwards it receives "event" frames for
// the channels it subscribed to, either through the channels query
// parameter or with subscribe frames:
//
//	{"type":"subscribe","id":"1","channels":["sync.completed"]}
//
// The channel "*" matches every event.
//
// Usage:
//
//	server, err := api.New(api.Deps{Config: cfg.API, Sync: mgr, Hub: hub, Logger: log})
//	server.Start(ctx)
//	defer server.Close()
package api
