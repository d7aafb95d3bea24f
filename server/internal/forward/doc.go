// Package forward publishes accepted event batches to an AMQP exchange
// (RabbitMQ) for downstream consumers.
//
// Forwarder.Forward is non-blocking: messages go into an in-memory buffer
// and, when it is full, the oldest entry is evicted so the newest batches
// are kept. Forwarder.Run drains the buffer, reconnecting with truncated
// exponential backoff (1s→60s, ±25% jitter) when the broker is unreachable
// or a publish fails.
//
// Messages are JSON, routed by the configured routing key, and carry the
// batch ID as MessageId and the machine ID in the "machine_id" header.
//
// The dialFn field is injectable for tests.
package forward
