// Package receiver implements rpc.EventServiceServer, the gRPC endpoint
// changeagent agents talk to.
//
// FetchInitialState opens a session: it issues a fresh session ID and
// returns the machine's cursor, taken from the in-memory store or, for a
// machine the store has not seen since startup, from history.
//
// SendEvents validates machine_id and batch_id (codes.InvalidArgument),
// applies the batch to the store and acknowledges it. A batch starting at or
// below the cursor gets Ack{Accepted: false}; the agent treats that as a
// failed send and resynchronises through a new handshake. Accepted batches
// are then appended to history and handed to the live feed and forwarder.
// Every handshake and batch, stale or not, is also run past the alert
// engine. All four sinks are optional Options.
//
// Authentication is enforced upstream by the gRPC server interceptor (see
// package auth). When the caller presented a JWT, its subject must name the
// machine in the request or the call fails with codes.PermissionDenied.
package receiver
