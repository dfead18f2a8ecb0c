package client

import (
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/security"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = common.GetLogger("rpc/client")

// -----------------------------------------------------------
// Configuration
// -----------------------------------------------------------

// TLSClientConf configures the client side of a TLS server
type TLSClientConf struct {
	// ServerName is the expected name on the server certificate
	ServerName string
	// CAFile optionally pins the trust root (empty = system roots)
	CAFile string
	// CertFile/KeyFile provide the client certificate for servers that
	// require client auth
	CertFile string
	KeyFile  string
}

// AuthConf configures the authentication handshake for SASL servers
type AuthConf struct {
	// Mechanism names the handshake mechanism (e.g. security.MechGSSAPI)
	Mechanism string
	// Token is the mechanism's initial token
	Token []byte
}

// Config holds all client parameters
type Config struct {
	// Endpoints are the server addresses in "host:port" form
	Endpoints []string
	// ConnectionsPerEndpoint controls connection fan-out (0 = 1)
	ConnectionsPerEndpoint int
	// TimeoutSecond bounds a single request/response exchange (0 = none)
	TimeoutSecond int
	// RetryCount is the number of send attempts before giving up (0 = 1)
	RetryCount int
	// MaxMessageSize bounds a single framed message (0 = default)
	MaxMessageSize int
	// TLS enables encrypted transport when non-nil
	TLS *TLSClientConf
	// Auth enables the authentication handshake when non-nil
	Auth *AuthConf
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// RemoteError is a failure the remote handler reported for a single call
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error: %s", e.Message)
}

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// clientConnection represents a single net connection
type clientConnection struct {
	conn         net.Conn
	endpoint     string
	stopCh       chan struct{} // Close signal for the reader goroutine
	requestChans *xsync.MapOf[uint64, chan responseResult]
	connMu       sync.Mutex // Protects the connection itself
	parent       *Client
}

// Client is a connection-pooling RPC client. It fans requests out over its
// connections round robin and retries failed sends with exponential backoff.
type Client struct {
	config        Config
	tlsConf       *tls.Config
	connections   []*clientConnection
	connectionsMu sync.RWMutex
	nextConnIndex uint64 // Atomic counter for Round Robin
	nextRequestID uint64 // Atomic counter for unique request IDs
}

// -----------------------------------------------------------
// Factory Method
// -----------------------------------------------------------

// Connect creates a client and establishes its connections. At least one
// connection must succeed.
func Connect(config Config) (*Client, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided")
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = common.DefaultMaxMessageSize
	}

	c := &Client{
		config:        config,
		nextRequestID: 1, // Start from 1
	}

	if config.TLS != nil {
		tlsConf, err := security.ClientTLSConfig(
			config.TLS.ServerName, config.TLS.CAFile, config.TLS.CertFile, config.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		c.tlsConf = tlsConf
	}

	// Set default value for ConnectionsPerEndpoint
	connectionsPerEP := 1
	if config.ConnectionsPerEndpoint > 0 {
		connectionsPerEP = config.ConnectionsPerEndpoint
	}

	c.connections = make([]*clientConnection, 0, len(config.Endpoints)*connectionsPerEP)

	for _, endpoint := range config.Endpoints {
		// Create multiple connections per endpoint
		for i := 0; i < connectionsPerEP; i++ {
			clientConn := &clientConnection{
				conn:         nil, // Will be set by reconnect
				endpoint:     endpoint,
				stopCh:       make(chan struct{}),
				requestChans: xsync.NewMapOf[uint64, chan responseResult](),
				parent:       c,
			}

			// Establish the initial connection using reconnect
			if err := clientConn.reconnect(); err != nil {
				Logger.Warnf("failed to connect to %s (connection %d/%d): %v", endpoint, i+1, connectionsPerEP, err)
				continue
			}

			c.connectionsMu.Lock()
			c.connections = append(c.connections, clientConn)
			c.connectionsMu.Unlock()

			Logger.Infof("connected to %s (connection %d/%d)", endpoint, i+1, connectionsPerEP)

			// Start the response reader
			go clientConn.readResponses()
		}
	}

	// Check if we have at least one connection
	if len(c.connections) == 0 {
		return nil, fmt.Errorf("failed to connect to any endpoint")
	}

	return c, nil
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// Send delivers one request and waits for its response. Handler failures on
// the remote side are returned as a RemoteError; transport failures trigger
// retries on other connections.
func (c *Client) Send(req []byte) ([]byte, error) {
	// Generate a unique request ID
	requestID := atomic.AddUint64(&c.nextRequestID, 1)

	// Define the send function to be used in retries
	send := func(connection *clientConnection) ([]byte, error) {
		// Create a channel for the response
		respCh := make(chan responseResult, 1)

		// Register the request
		connection.requestChans.Store(requestID, respCh)

		// Ensure we clean up when done
		defer connection.requestChans.Delete(requestID)

		// The connection is swapped by reconnect under connMu, so every
		// access to it happens under the same lock
		connection.connMu.Lock()
		conn := connection.conn
		if conn == nil {
			connection.connMu.Unlock()
			return nil, fmt.Errorf("connection is closed")
		}
		if c.config.TimeoutSecond > 0 {
			timeout := time.Duration(c.config.TimeoutSecond) * time.Second
			conn.SetWriteDeadline(time.Now().Add(timeout))
		}
		err := transport.WriteFrame(conn, requestID, transport.StatusOK, req, c.config.MaxMessageSize)
		connection.connMu.Unlock()

		if err != nil {
			return nil, err
		}

		// Wait for response or timeout
		var timeoutCh <-chan time.Time
		if c.config.TimeoutSecond > 0 {
			timeout := time.Duration(c.config.TimeoutSecond) * time.Second
			timeoutCh = time.After(timeout)
		} else {
			timeoutCh = make(chan time.Time) // Never triggers
		}

		select {
		case result := <-respCh:
			return result.data, result.err
		case <-timeoutCh:
			return nil, fmt.Errorf("request timed out")
		}
	}

	// Retry logic with exponential backoff
	var lastErr error

	// We always try at least once, and up to maxRetries times
	maxRetries := c.config.RetryCount
	if maxRetries < 1 {
		maxRetries = 1
	}

	// Initial backoff duration in milliseconds
	backoffMs := 50

	for i := 0; i < maxRetries; i++ {
		conn := c.getNextConnection()
		if conn == nil {
			return nil, fmt.Errorf("no active connections available")
		}

		// Try with this connection
		data, err := send(conn)
		if err == nil {
			return data, nil
		}

		// Remote errors are definitive answers, not transport failures
		if re, ok := err.(*RemoteError); ok {
			return nil, re
		}

		lastErr = err
		Logger.Debugf("request attempt %d/%d failed: %v", i+1, maxRetries, err)

		if i < maxRetries {
			// Exponential backoff with a small random jitter (+-10%)
			jitter := float64(backoffMs) * (0.9 + 0.2*rand.Float64())
			backoffDuration := time.Duration(jitter) * time.Millisecond
			time.Sleep(backoffDuration)
			backoffMs *= 2
		}
	}

	// All attempts failed
	return nil, fmt.Errorf("failed to send request after %d attempts: %v", maxRetries, lastErr)
}

// Close tears down all connections
func (c *Client) Close() error {
	c.connectionsMu.Lock()
	defer c.connectionsMu.Unlock()

	for _, conn := range c.connections {
		// Signal reader goroutine to stop
		close(conn.stopCh)

		// Close the connection
		conn.connMu.Lock()
		if conn.conn != nil {
			conn.conn.Close()
		}
		conn.connMu.Unlock()
	}

	// Empty the list
	c.connections = nil
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// getNextConnection selects the next connection via Round Robin
func (c *Client) getNextConnection() *clientConnection {
	c.connectionsMu.RLock()
	defer c.connectionsMu.RUnlock()

	if len(c.connections) == 0 {
		return nil
	}

	// Simple Round Robin algorithm
	var index uint64
	if len(c.connections) == 1 {
		// optimize for single connection
		index = 0
	} else {
		index = atomic.AddUint64(&c.nextConnIndex, 1) % uint64(len(c.connections))
	}
	return c.connections[index]
}

// dial establishes the raw connection, upgrading to TLS when configured
func (c *Client) dial(endpoint string) (net.Conn, error) {
	if c.tlsConf != nil {
		return tls.Dial("tcp", endpoint, c.tlsConf)
	}
	return net.Dial("tcp", endpoint)
}

// authenticate runs the authentication handshake on a fresh connection
func (c *Client) authenticate(conn net.Conn) error {
	auth := c.config.Auth
	if auth == nil {
		return nil
	}

	payload, err := security.EncodeHandshake(auth.Mechanism, auth.Token)
	if err != nil {
		return err
	}
	if err := transport.WriteFrame(conn, 0, transport.StatusOK, payload, 0); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	_, status, resp, err := transport.ReadFrame(conn, nil, c.config.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("reading handshake response: %w", err)
	}
	if status != transport.StatusOK {
		return fmt.Errorf("authentication rejected: %s", resp)
	}
	return nil
}

// readResponses reads responses in a loop and distributes them to waiting requests
func (c *clientConnection) readResponses() {
	buf := make([]byte, transport.FrameHeaderSize)
	for {
		// Check if we should stop
		select {
		case <-c.stopCh:
			return
		default:
			// Continue
		}

		// Load the connection under the lock; reconnect swaps it under the
		// same lock
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		// Set timeout if configured
		if c.parent.config.TimeoutSecond > 0 {
			timeout := time.Duration(c.parent.config.TimeoutSecond) * time.Second
			conn.SetReadDeadline(time.Now().Add(timeout))
		}

		// Read the response frame
		requestID, status, data, err := transport.ReadFrame(conn, buf, c.parent.config.MaxMessageSize)

		// Find the corresponding request channel
		respCh, found := c.requestChans.Load(requestID)

		if found {
			if err != nil {
				// Send the error to the waiting request
				respCh <- responseResult{nil, fmt.Errorf("error reading response: %v", err)}
			} else if status == transport.StatusFault {
				// The remote handler answered with a structured failure
				respCh <- responseResult{nil, &RemoteError{Message: string(data)}}
			} else {
				// The response payload aliases the read buffer, copy it
				resp := make([]byte, len(data))
				copy(resp, data)
				respCh <- responseResult{resp, nil}
			}
		} else if err != nil {
			// Error with unknown request ID
			Logger.Errorf("error reading response with unknown request ID %d: %v", requestID, err)

			// Try to restore the connection
			if err := c.reconnect(); err != nil {
				Logger.Errorf("failed to reconnect to %s: %v", c.endpoint, err)
				return
			}
		} else {
			// Warning for unknown request ID
			Logger.Warnf("received response for unknown request ID %d", requestID)
		}
	}
}

// reconnect establishes or restores a connection to the endpoint
func (c *clientConnection) reconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Close the old connection if it exists
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	// Connect to the endpoint
	conn, err := c.parent.dial(c.endpoint)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %v", c.endpoint, err)
	}

	// Authenticate before the connection carries any request
	if err := c.parent.authenticate(conn); err != nil {
		conn.Close()
		return fmt.Errorf("failed to authenticate to %s: %v", c.endpoint, err)
	}

	c.conn = conn
	return nil
}
