// Package types defines shared Go types used by both the agent and server.
// These are the canonical in-memory representations of change events and
// the baseline state exchanged at session start. The same structs travel on
// the wire: pkg/rpc encodes them with CBOR, which honours the struct tags.
package types
