package security

import (
	"fmt"
	"net"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
)

// -----------------------------------------------------------
// SASL negotiator
// -----------------------------------------------------------

// handshakeTimeout bounds the authentication exchange on a fresh connection
const handshakeTimeout = 10 * time.Second

// IMechanism authenticates the opening token of one connection and yields the
// remote principal. Implementations must be safe for concurrent use.
type IMechanism interface {
	// Name is the mechanism identifier clients select in the handshake
	Name() string

	// Authenticate verifies the client token and returns the authenticated
	// principal
	Authenticate(token []byte) (principal string, err error)
}

type saslNegotiator struct {
	cfg        *common.SASLConf
	mechanisms map[string]IMechanism
	maxMessage int
}

func newSASLNegotiator(cfg *common.SASLConf, maxMessageSize int) (*saslNegotiator, error) {
	n := &saslNegotiator{cfg: cfg, mechanisms: map[string]IMechanism{}, maxMessage: maxMessageSize}

	krb, err := newKeytabMechanism(cfg.ServerPrimary, cfg.KeytabPath)
	if err != nil {
		return nil, common.NewConfigError("unable to initialize keytab mechanism: %v", err)
	}
	n.register(krb)

	if cfg.TokenVerifier != nil {
		n.register(newTokenMechanism(cfg.TokenVerifier))
	}

	return n, nil
}

func (n *saslNegotiator) register(m IMechanism) {
	n.mechanisms[m.Name()] = m
}

func (n *saslNegotiator) Name() string { return "sasl" }

// RequiresBlocking is true for SASL: the handshake ties up the connection
// until authentication completes, so each connection needs a dedicated worker.
func (n *saslNegotiator) RequiresBlocking() bool { return true }

// Validate enforces that the bind host resolves to this very machine. The
// server principal is host qualified; accepting on a host whose canonical
// name differs from the local one would issue tickets no client can validate.
func (n *saslNegotiator) Validate(bindHost string) error {
	canonical := common.CanonicalHostname(bindHost)
	local := common.LocalCanonicalHostname()
	if canonical != local {
		return common.NewConfigError(
			"SASL requires the server to bind its canonical hostname: %q resolves to %q, but this host is %q",
			bindHost, canonical, local,
		)
	}
	return nil
}

func (n *saslNegotiator) WrapListener(l net.Listener) (net.Listener, error) {
	Logger.Infof("enabling SASL on %s (mechanisms: %v)", l.Addr(), n.mechanismNames())
	return &saslListener{Listener: l, negotiator: n}, nil
}

func (n *saslNegotiator) mechanismNames() []string {
	names := make([]string, 0, len(n.mechanisms))
	for name := range n.mechanisms {
		names = append(names, name)
	}
	return names
}

// -----------------------------------------------------------
// Handshaking listener
// -----------------------------------------------------------

// saslListener authenticates every accepted connection before handing it to
// the transport. A failed handshake closes the connection and accepts the
// next one, so one misbehaving client never stalls the accept loop for long.
type saslListener struct {
	net.Listener
	negotiator *saslNegotiator
}

func (l *saslListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		principal, err := l.negotiator.handshake(conn)
		if err != nil {
			Logger.Warnf("authentication failed for %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			continue
		}

		Logger.Debugf("authenticated %s as %s", conn.RemoteAddr(), principal)
		return &authConn{Conn: conn, principal: principal}, nil
	}
}

// handshake runs the authentication exchange: the client opens with a frame
// selecting a mechanism and carrying its initial token, the server answers
// with an empty ok frame or a fault frame carrying the failure reason.
func (n *saslNegotiator) handshake(conn net.Conn) (string, error) {
	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	_, _, payload, err := transport.ReadFrame(conn, nil, n.maxMessage)
	if err != nil {
		return "", fmt.Errorf("reading handshake: %w", err)
	}

	mechName, token, err := DecodeHandshake(payload)
	if err != nil {
		transport.WriteFrame(conn, 0, transport.StatusFault, []byte(err.Error()), 0)
		return "", err
	}

	mech, ok := n.mechanisms[mechName]
	if !ok {
		err := fmt.Errorf("unsupported mechanism %q", mechName)
		transport.WriteFrame(conn, 0, transport.StatusFault, []byte(err.Error()), 0)
		return "", err
	}

	principal, err := mech.Authenticate(token)
	if err != nil {
		transport.WriteFrame(conn, 0, transport.StatusFault, []byte("authentication failed"), 0)
		return "", fmt.Errorf("%s: %w", mechName, err)
	}

	if err := transport.WriteFrame(conn, 0, transport.StatusOK, nil, 0); err != nil {
		return "", fmt.Errorf("writing handshake response: %w", err)
	}
	return principal, nil
}

// authConn carries the authenticated principal alongside the connection
type authConn struct {
	net.Conn
	principal string
}

func (c *authConn) Principal() string { return c.principal }

// -----------------------------------------------------------
// Handshake payload
// -----------------------------------------------------------

// EncodeHandshake builds the opening handshake payload: a length-prefixed
// mechanism name followed by the mechanism's initial token
func EncodeHandshake(mechanism string, token []byte) ([]byte, error) {
	if len(mechanism) == 0 || len(mechanism) > 255 {
		return nil, fmt.Errorf("invalid mechanism name %q", mechanism)
	}
	payload := make([]byte, 0, 1+len(mechanism)+len(token))
	payload = append(payload, byte(len(mechanism)))
	payload = append(payload, mechanism...)
	payload = append(payload, token...)
	return payload, nil
}

// DecodeHandshake splits a handshake payload into mechanism name and token
func DecodeHandshake(payload []byte) (mechanism string, token []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("empty handshake payload")
	}
	nameLen := int(payload[0])
	if len(payload) < 1+nameLen || nameLen == 0 {
		return "", nil, fmt.Errorf("malformed handshake payload")
	}
	return string(payload[1 : 1+nameLen]), payload[1+nameLen:], nil
}
