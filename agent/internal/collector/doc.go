// Package collector produces the event batches an agent session transmits.
//
// A Collector is started once per session with the baseline State returned
// by the handshake. It pushes batches onto the session queue, blocking while
// the queue is full, until its context is cancelled. Spawn runs a Collector
// in its own goroutine and returns a Task whose Cancel is idempotent and
// waits for the goroutine to exit.
//
// Pipeline is the production Collector. It runs every configured Source
// (fswatch.go, process.go, prometheus.go) inside the one task, numbers
// their changes from State.Cursor+1, and cuts batches when MaxBatchSize is
// reached or FlushInterval elapses. Sources are built from config by New.
//
// Emit is the only way batches reach the queue: it refuses to send once
// cancellation has been observed, so no batch is pushed after Cancel.
package collector
