// Package api implements the HTTP REST API of the collection service.
//
// New(store, history, alerts, opts...) returns an http.Handler that serves:
//
//	GET /api/v1/health                 service status and totals
//	GET /api/v1/machines               all live machines ([]MachineResponse)
//	GET /api/v1/machines/{id}          single machine; 404 if unknown or stale
//	GET /api/v1/machines/{id}/events   stored events, ?after=<seq>&limit=<n>
//	GET /api/v1/alerts                 firing and recently resolved alerts
//
// All endpoints:
//   - Respond with Content-Type: application/json
//   - Return 405 for non-GET methods
//   - Read live entries from the store (stale entries excluded from lists)
//
// The health response counts stale machines separately from live ones, and
// reports connected /ws/stream clients when WithClients is given.
//
// The events endpoint needs an EventSource (the SQLite history); without one
// it answers 501.
//
// JSON types are defined in types.go. No external HTTP framework is used.
package api
