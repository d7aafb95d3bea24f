package api

import (
	"github.com/obsidianstack/changeagent/pkg/types"
	"github.com/obsidianstack/changeagent/server/internal/store"
)

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status         string `json:"status"`
	MachineCount   int    `json:"machine_count"`   // live only
	StoredMachines int    `json:"stored_machines"` // includes stale entries awaiting eviction
	StreamClients  int    `json:"stream_clients"`
	Batches        uint64 `json:"batches"`
	Events         uint64 `json:"events"`
	Rejected       uint64 `json:"rejected"`
	HistoryEnabled bool   `json:"history_enabled"`
	GeneratedAt    string `json:"generated_at"` // RFC3339
}

// MachineResponse is one machine in GET /api/v1/machines or
// GET /api/v1/machines/{id}.
type MachineResponse struct {
	MachineID   uint64               `json:"machine_id"`
	SessionID   string               `json:"session_id"`
	Cursor      uint64               `json:"cursor"`
	Sessions    uint64               `json:"sessions"`
	Batches     uint64               `json:"batches"`
	Events      uint64               `json:"events"`
	Rejected    uint64               `json:"rejected"`
	FirstSeen   string               `json:"first_seen"` // RFC3339
	LastSeen    string               `json:"last_seen"`  // RFC3339
	Recent      []store.BatchSummary `json:"recent"`
	Diagnostics []DiagnosticHint     `json:"diagnostics"`
}

// SummaryResponse lists all live machines. It is also the payload of the
// WebSocket "summary" message.
type SummaryResponse struct {
	Machines    []MachineResponse `json:"machines"`
	GeneratedAt string            `json:"generated_at"` // RFC3339
}

// EventsResponse is the payload for GET /api/v1/machines/{id}/events.
// Next is the value to pass as ?after= for the following page; it equals
// the request's after when no events were returned.
type EventsResponse struct {
	MachineID uint64        `json:"machine_id"`
	Events    []types.Event `json:"events"`
	Next      uint64        `json:"next"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
