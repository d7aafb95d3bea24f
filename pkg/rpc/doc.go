// Package rpc is the wire layer between changeagent and the collection
// service: gRPC service changeagent.v1.EventService with two unary methods,
//
//	FetchInitialState(InitialStateRequest) -> types.State
//	SendEvents(types.EventBatch)           -> types.Ack
//
// Messages are plain Go structs from pkg/types encoded with CBOR (Core
// Deterministic Encoding) through a gRPC codec registered under the
// content-subtype "cbor". The client always requests that subtype, so the
// server selects the codec without extra options.
//
// compress.go registers two optional message compressors, "zstd" and "lz4".
// Importing this package is enough to make both sides understand them.
package rpc
