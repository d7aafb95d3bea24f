package types

import (
	"time"

	"github.com/google/uuid"
)

// State is the baseline returned by the collection service when a session
// starts. Collectors track local changes from this point onward.
// Treat it as immutable once received.
type State struct {
	// MachineID echoes the identity the handshake was made for.
	MachineID uint64 `json:"machine_id" cbor:"machine_id"`

	// Cursor is the highest event sequence the service has accepted from
	// this machine. Zero means the service has never seen the machine.
	Cursor uint64 `json:"cursor" cbor:"cursor"`

	// Baseline is the service-side time the state was issued.
	Baseline time.Time `json:"baseline" cbor:"baseline"`

	// SessionID identifies this handshake. A new one is issued every time.
	SessionID string `json:"session_id" cbor:"session_id"`
}

// Event is one detected local change.
type Event struct {
	ID       string `json:"id" cbor:"id"`
	Sequence uint64 `json:"sequence" cbor:"sequence"`

	// Source is the id of the configured collector source that saw the change.
	Source string `json:"source" cbor:"source"`

	// Kind classifies the change: "create", "write", "process_start",
	// "metric_change", ...
	Kind string `json:"kind" cbor:"kind"`

	// Subject is what changed: a path, a process name, a metric family.
	Subject string `json:"subject" cbor:"subject"`

	Attributes map[string]string `json:"attributes,omitempty" cbor:"attributes,omitempty"`
	ObservedAt time.Time         `json:"observed_at" cbor:"observed_at"`
}

// EventBatch is an ordered group of events collected together. It is the
// unit of both queueing and transmission.
type EventBatch struct {
	BatchID   string    `json:"batch_id" cbor:"batch_id"`
	MachineID uint64    `json:"machine_id" cbor:"machine_id"`
	Events    []Event   `json:"events" cbor:"events"`
	CreatedAt time.Time `json:"created_at" cbor:"created_at"`
}

// NewBatch returns a batch with a fresh ID wrapping events.
func NewBatch(machineID uint64, events []Event) EventBatch {
	return EventBatch{
		BatchID:   uuid.NewString(),
		MachineID: machineID,
		Events:    events,
		CreatedAt: time.Now().UTC(),
	}
}

// LastSequence returns the sequence of the final event, or 0 for an empty batch.
func (b EventBatch) LastSequence() uint64 {
	if len(b.Events) == 0 {
		return 0
	}
	return b.Events[len(b.Events)-1].Sequence
}

// Ack is the service's answer to one EventBatch. A batch is accepted or
// rejected as a whole.
type Ack struct {
	BatchID  string `json:"batch_id" cbor:"batch_id"`
	Accepted bool   `json:"accepted" cbor:"accepted"`

	// Cursor is the machine's cursor after the batch was applied.
	Cursor  uint64 `json:"cursor" cbor:"cursor"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}
