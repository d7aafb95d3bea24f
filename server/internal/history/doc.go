// Package history persists accepted events to SQLite (modernc.org/sqlite,
// no cgo) so a restarted server can recover each machine's cursor and the
// REST API can page through past events.
//
// Tables:
//
//	events   (machine_id, sequence) primary key, one row per event
//	machines machine_id primary key, highest accepted sequence
//
// Machine IDs are stored as the int64 bit pattern of the uint64 value.
// Sequences and cursors are stored with the top bit flipped so that SQL
// comparisons, ORDER BY and MAX follow unsigned order.
// Run prunes events older than the retention period; machine cursors are
// never pruned.
package history
