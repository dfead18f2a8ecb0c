// Package security implements the transport security treatments a server can
// be configured with: TLS (encrypted transport, optional client certificates)
// and SASL (authenticated transport via Kerberos keytabs or delegation
// tokens). Exactly one treatment is active per server instance.
//
// A treatment is expressed as a negotiator that validates its configuration
// before any socket is opened and wraps the server's listener afterwards.
// Treatments that hand shake per connection only work with the blocking
// transport; the server downgrades its mode accordingly.
//
// Key Components:
//
//   - INegotiator: the treatment contract (validate, wrap, strategy
//     constraint).
//
//   - New: builds the negotiator matching a SecurityConf.
//
//   - IMechanism: one SASL authentication mechanism. GSSAPI (keytab backed)
//     and DIGEST-MD5 style delegation tokens are provided.
package security

import (
	"net"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

var Logger = common.GetLogger("rpc/security")

// -----------------------------------------------------------
// Interface Definitions
// -----------------------------------------------------------

// INegotiator applies one security treatment to a server's listener
type INegotiator interface {
	// Name identifies the treatment in logs
	Name() string

	// Validate checks treatment preconditions against the host the server
	// intends to bind. It runs before any socket is opened; a returned
	// error is always a ConfigError and aborts the server start.
	Validate(bindHost string) error

	// WrapListener layers the treatment over a bound listener
	WrapListener(l net.Listener) (net.Listener, error)

	// RequiresBlocking reports whether the treatment needs one worker per
	// connection (true for treatments with per-connection handshakes)
	RequiresBlocking() bool
}

// New builds the negotiator for the given configuration. An empty
// configuration yields a passthrough negotiator. maxMessageSize bounds
// handshake frames the same way it bounds request frames (<= 0 applies the
// default limit).
func New(cfg common.SecurityConf, maxMessageSize int) (INegotiator, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = common.DefaultMaxMessageSize
	}
	switch {
	case cfg.TLS != nil && cfg.SASL != nil:
		return nil, common.NewConfigError("cannot start a server using both TLS and SASL")
	case cfg.TLS != nil:
		return newTLSNegotiator(cfg.TLS), nil
	case cfg.SASL != nil:
		return newSASLNegotiator(cfg.SASL, maxMessageSize)
	default:
		return passthrough{}, nil
	}
}

// -----------------------------------------------------------
// Passthrough (no security)
// -----------------------------------------------------------

type passthrough struct{}

func (passthrough) Name() string { return "none" }

func (passthrough) Validate(string) error { return nil }

func (passthrough) WrapListener(l net.Listener) (net.Listener, error) { return l, nil }

func (passthrough) RequiresBlocking() bool { return false }
