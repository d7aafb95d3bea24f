// Package submitter owns the connection to the collection service and
// streams event batches to it.
//
// One session is: Dial → FetchInitialState → spawn the collector with the
// returned State → dequeue/SendEvents until a send fails. Every session gets
// a fresh queue of QueueCapacity batches; whatever is still queued when a
// session ends is discarded with it. Exactly one batch is in flight at a
// time, so batches reach the service in the order the collector queued them.
//
// Submitter.Run supervises sessions forever:
//
//	Bootstrapping → Streaming → Backoff → Bootstrapping → ...
//
// Any ConnectionError, HandshakeError or TransmissionError is logged, the
// collector is cancelled, the connection closed, and Run waits the fixed
// RetryInterval before starting over. Run returns only when its context is
// cancelled (state Terminated).
//
// Request authentication is pluggable: every RPC passes through the
// configured RequestDecorators (API key header, per-request JWT, or anything
// supplied with WithDecorator). mTLS is handled at the transport.
//
// The connect and wait fields are injectable for tests.
package submitter
