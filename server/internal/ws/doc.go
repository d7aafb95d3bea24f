// Package ws implements the WebSocket live feed for changeagent-server.
//
// New(store, interval) creates a Hub. Hub.Run(ctx) broadcasts a machine
// summary every interval and closes all connections when ctx is cancelled.
// Hub.PublishBatch relays each accepted batch as it is recorded.
// Hub.ServeHTTP upgrades a request, sends the current summary straight away,
// then streams until the client goes away.
//
// Messages sent to clients:
//
//	{"event": "summary", "data": { /* same schema as api.SummaryResponse */ }}
//	{"event": "batch",   "data": { "machine_id": 42, "batch_id": "...", "cursor": 17, "events": [...] }}
//
// A client that cannot keep up (its send buffer is full) is disconnected.
// The endpoint is mounted at /ws/stream by the server.
package ws
