// Package rpc provides the bootstrap framework for RPC servers: transport
// strategy selection, transport security, worker pool management and
// lifecycle control. Request payloads are opaque to the framework; decoding
// is the business of the application handler and its injected codec.
//
// The package is organized into several subpackages:
//
//   - common: Core data structures shared across the framework, including
//     the server configuration, the handler contract, error types and
//     logging.
//
//   - transport: The concurrency strategies (blocking, selector) and the
//     length-prefixed framing protocol.
//
//   - security: The transport security treatments (TLS, SASL) applied to a
//     server's listener before it starts accepting.
//
//   - pool: The self-resizing worker pool that executes request handlers.
//
//   - codec: The payload codec contract injected into application handlers.
//
//   - server: The assembly layer that binds candidate addresses, wires the
//     pieces together and runs the instance.
//
//   - client: The connection-pooling client speaking the same protocol.
package rpc
