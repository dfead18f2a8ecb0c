package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// --------------------------------------------------------------------------
// Host and port
// --------------------------------------------------------------------------

// HostPort is a network address candidate the server may bind to.
// A Port of 0 requests an ephemeral port from the operating system.
type HostPort struct {
	Host string
	Port int
}

// NewHostPort creates a HostPort from its parts
func NewHostPort(host string, port int) HostPort {
	return HostPort{Host: host, Port: port}
}

// ParseHostPort parses a "host:port" string into a HostPort
func ParseHostPort(s string) (HostPort, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return HostPort{}, fmt.Errorf("invalid address %q (expected host:port)", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil || port < 0 || port > 65535 {
		return HostPort{}, fmt.Errorf("invalid port in address %q", s)
	}
	return HostPort{Host: strings.Trim(s[:idx], "[]"), Port: port}, nil
}

// String returns the address in dialable "host:port" form
func (hp HostPort) String() string {
	host := hp.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return fmt.Sprintf("%s:%d", host, hp.Port)
}

// IsWildcard reports whether the host is the "any interface" address
func (hp HostPort) IsWildcard() bool {
	return hp.Host == "" || hp.Host == "0.0.0.0" || hp.Host == "::"
}

// --------------------------------------------------------------------------
// Server mode
// --------------------------------------------------------------------------

// ServerMode selects the transport/concurrency strategy of a server instance.
// The set of modes is closed; each mode has materially different resource
// ownership, so the choice is made once at construction time.
type ServerMode string

const (
	// ModeBlocking dedicates one worker to one connection for its full
	// lifetime. Requests on a connection execute strictly sequentially.
	ModeBlocking ServerMode = "blocking"
	// ModeSingleSelector multiplexes all connections onto a single dispatcher
	// and hands request processing off to the worker pool.
	ModeSingleSelector ServerMode = "single-selector"
	// ModeMultiSelector shards connections across several dispatchers,
	// improving dispatch throughput on many-core hosts.
	ModeMultiSelector ServerMode = "multi-selector"
)

// Valid reports whether m is one of the known server modes
func (m ServerMode) Valid() bool {
	switch m {
	case ModeBlocking, ModeSingleSelector, ModeMultiSelector:
		return true
	}
	return false
}

// --------------------------------------------------------------------------
// Security configuration
// --------------------------------------------------------------------------

// TokenVerifier validates a delegation token and returns the principal it
// authenticates. Implementations must be safe for concurrent use.
type TokenVerifier interface {
	VerifyToken(token []byte) (principal string, err error)
}

// TLSConf holds the parameters for the encrypted (TLS) security mode
type TLSConf struct {
	CertFile string
	KeyFile  string
	// CAFile is the certificate authority used to verify client
	// certificates. Only consulted when ClientAuth is set.
	CAFile string
	// Protocols is the list of allowed protocol versions (e.g. "TLSv1.2",
	// "TLSv1.3"). The server applies the intersection of this list with the
	// versions the runtime actually supports; an empty intersection is a
	// configuration error.
	Protocols []string
	// ClientAuth requires connecting clients to present a valid certificate
	ClientAuth bool
}

// SASLConf holds the parameters for the authenticated security mode.
// The host must already hold a realm identity (login happens out of band);
// the keytab referenced here is that identity's credential material.
type SASLConf struct {
	// ServerPrimary is the first component of the server's principal
	// (e.g. "drpc" for drpc/host@REALM). Clients and server must agree on it.
	ServerPrimary string
	// KeytabPath points to the credential file for the server principal
	KeytabPath string
	// TokenVerifier enables the delegation-token mechanism when non-nil.
	// Tokens are short-lived credentials that substitute for a full realm
	// login for a bounded time window.
	TokenVerifier TokenVerifier
}

// SecurityConf selects the transport security treatment. At most one of TLS
// and SASL may be set; setting both is rejected before any socket is opened.
type SecurityConf struct {
	TLS  *TLSConf
	SASL *SASLConf
}

// Enabled reports whether any security treatment is configured
func (c SecurityConf) Enabled() bool {
	return c.TLS != nil || c.SASL != nil
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters for one server instance.
// It is built once per instance and never mutated after construction.
type ServerConfig struct {
	// Name identifies the server in logs and metrics
	Name string `validate:"required"`

	// Mode selects the transport/concurrency strategy
	Mode ServerMode `validate:"required"`

	// Worker pool parameters
	MinWorkers        int           `validate:"gte=1"`
	WorkerIdleTimeout time.Duration `validate:"gte=0"` // 0 = workers never time out
	ResizePeriod      time.Duration `validate:"gte=0"` // 0 = default

	// MaxMessageSize bounds the size of a single framed message, limiting
	// memory use per connection
	MaxMessageSize int `validate:"gt=0"`

	// ReadTimeout is the optional per-connection socket timeout (0 = none)
	ReadTimeout time.Duration `validate:"gte=0"`

	// StopTimeout bounds how long Stop waits for in-flight requests to drain
	// before connections are closed forcibly
	StopTimeout time.Duration `validate:"gte=0"`

	// Security selects the transport security treatment
	Security SecurityConf

	// LogLevel is the level at which logs will be output (debug, info, warn, error)
	LogLevel string
}

const (
	// DefaultMaxMessageSize matches the historical 16M frame limit
	DefaultMaxMessageSize = 16 * 1024 * 1024
	// DefaultResizePeriod is the interval between worker pool resize checks
	DefaultResizePeriod = time.Second
	// DefaultStopTimeout bounds graceful shutdown
	DefaultStopTimeout = 5 * time.Second
	// DefaultMinWorkers is the worker pool floor
	DefaultMinWorkers = 5
)

// DefaultServerConfig returns a ServerConfig with working defaults
func DefaultServerConfig(name string) ServerConfig {
	return ServerConfig{
		Name:           name,
		Mode:           ModeBlocking,
		MinWorkers:     DefaultMinWorkers,
		ResizePeriod:   DefaultResizePeriod,
		MaxMessageSize: DefaultMaxMessageSize,
		StopTimeout:    DefaultStopTimeout,
		LogLevel:       "info",
	}
}

var validate = validator.New()

// Validate checks the configuration for structural errors. All violations
// are reported as a ConfigError.
func (c *ServerConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return NewConfigError("invalid server configuration: %v", err)
	}
	if !c.Mode.Valid() {
		return NewConfigError("unknown server mode %q", c.Mode)
	}
	if c.Security.TLS != nil && c.Security.SASL != nil {
		return NewConfigError("cannot start a server using both TLS and SASL")
	}
	if tls := c.Security.TLS; tls != nil {
		if tls.CertFile == "" || tls.KeyFile == "" {
			return NewConfigError("TLS requires both a certificate and a key file")
		}
	}
	if sasl := c.Security.SASL; sasl != nil {
		if sasl.ServerPrimary == "" || sasl.KeytabPath == "" {
			return NewConfigError("SASL requires a server primary and a keytab")
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Name", c.Name)
	addField("Mode", string(c.Mode))
	addField("Max Message Size", fmt.Sprintf("%d bytes", c.MaxMessageSize))
	addField("Read Timeout", c.ReadTimeout.String())
	addField("Stop Timeout", c.StopTimeout.String())

	addSection("Worker Pool")
	addField("Min Workers", strconv.Itoa(c.MinWorkers))
	addField("Idle Timeout", c.WorkerIdleTimeout.String())
	addField("Resize Period", c.ResizePeriod.String())

	addSection("Security")
	switch {
	case c.Security.TLS != nil:
		addField("Mode", "tls")
		addField("Certificate", c.Security.TLS.CertFile)
		addField("Protocols", strings.Join(c.Security.TLS.Protocols, ", "))
		addField("Client Auth", fmt.Sprintf("%t", c.Security.TLS.ClientAuth))
	case c.Security.SASL != nil:
		addField("Mode", "sasl")
		addField("Server Primary", c.Security.SASL.ServerPrimary)
		addField("Keytab", c.Security.SASL.KeytabPath)
		addField("Delegation Tokens", fmt.Sprintf("%t", c.Security.SASL.TokenVerifier != nil))
	default:
		addField("Mode", "none")
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}
