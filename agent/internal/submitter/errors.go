package submitter

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Operation names carried in the Op field of the session errors.
const (
	OpConnect           = "connect"
	OpFetchInitialState = "fetch_initial_state"
	OpSendEvents        = "send_events"
)

// ErrRejected is wrapped by a TransmissionError when the service answered
// with an Ack that did not accept the batch.
var ErrRejected = errors.New("batch rejected by service")

// ConnectionError means the transport to the service could not be
// established. No session was started.
type ConnectionError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HandshakeError means FetchInitialState failed. The collector was never
// started for this attempt.
type HandshakeError struct {
	Op        string
	MachineID uint64
	Err       error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s machine %d: %v", e.Op, e.MachineID, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransmissionError means SendEvents failed mid-session.
type TransmissionError struct {
	Op      string
	BatchID string
	Err     error
}

func (e *TransmissionError) Error() string {
	return fmt.Sprintf("%s batch %s: %v", e.Op, e.BatchID, e.Err)
}

func (e *TransmissionError) Unwrap() error { return e.Err }

// operation returns the Op of a session error, "unknown" otherwise.
func operation(err error) string {
	var (
		ce *ConnectionError
		he *HandshakeError
		te *TransmissionError
	)
	switch {
	case errors.As(err, &ce):
		return ce.Op
	case errors.As(err, &he):
		return he.Op
	case errors.As(err, &te):
		return te.Op
	}
	return "unknown"
}

// isPermanentError reports gRPC codes that reconnecting will not clear
// (bad credentials, malformed request). The supervisor retries regardless;
// the flag is for the operator reading the log.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
		return true
	}
	return false
}
