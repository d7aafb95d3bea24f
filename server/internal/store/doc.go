// Package store keeps the in-memory state of every machine that has talked
// to the EventService: its cursor (last accepted sequence), current session,
// counters, and a ring of recent batch summaries. Machines idle for longer
// than the TTL are evicted by Run.
package store
