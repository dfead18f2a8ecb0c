// Package client implements the connection-pooling RPC client for the server
// framework. It speaks the same framing protocol as the server transports and
// supports both security treatments.
//
// The package focuses on:
//   - Multiplexing concurrent requests over a small set of connections
//   - Retrying transport failures with exponential backoff
//   - Transparent TLS and authentication handshakes
//
// Key Components:
//
//   - Connect: Factory function that establishes the configured connections
//     and returns a ready-to-use Client.
//
//   - Client.Send: Delivers one request payload and waits for the matching
//     response, correlating by request ID so responses may arrive out of
//     order.
//
//   - RemoteError: A failure the remote handler reported for one call. It is
//     returned as-is and never retried, unlike transport failures.
//
// Usage Example:
//
//	c, err := client.Connect(client.Config{
//	  Endpoints:     []string{"localhost:5000"},
//	  TimeoutSecond: 5,
//	  RetryCount:    3,
//	})
//	if err != nil {
//	  // handle error
//	}
//	defer c.Close()
//
//	resp, err := c.Send([]byte("ping"))
//
// Performance Considerations:
//
//   - For applications that frequently send large payloads, increasing
//     ConnectionsPerEndpoint can improve throughput by allowing parallel
//     requests.
//
//   - For small messages, a single connection per endpoint is often more
//     efficient due to reduced connection overhead.
//
// Thread Safety:
//
//	The client is thread-safe and can be used concurrently from multiple
//	goroutines without additional synchronization.
package client
