package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/ValentinKolb/dRPC/rpc/common"
)

// -----------------------------------------------------------
// TLS negotiator
// -----------------------------------------------------------

// supportedProtocols maps protocol names to TLS versions. Only versions the
// runtime still considers safe to offer are listed.
var supportedProtocols = map[string]uint16{
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

type tlsNegotiator struct {
	cfg *common.TLSConf
}

func newTLSNegotiator(cfg *common.TLSConf) *tlsNegotiator {
	return &tlsNegotiator{cfg: cfg}
}

func (n *tlsNegotiator) Name() string { return "tls" }

// RequiresBlocking is false for TLS: the handshake happens lazily on first
// read, inside whatever goroutine owns the connection.
func (n *tlsNegotiator) RequiresBlocking() bool { return false }

func (n *tlsNegotiator) Validate(string) error {
	if _, err := n.versions(); err != nil {
		return err
	}
	if _, err := tls.LoadX509KeyPair(n.cfg.CertFile, n.cfg.KeyFile); err != nil {
		return common.NewConfigError("unable to load TLS key pair: %v", err)
	}
	if n.cfg.ClientAuth && n.cfg.CAFile == "" {
		return common.NewConfigError("TLS client auth requires a CA file")
	}
	return nil
}

func (n *tlsNegotiator) WrapListener(l net.Listener) (net.Listener, error) {
	conf, err := n.buildConfig()
	if err != nil {
		l.Close()
		return nil, err
	}
	Logger.Infof("enabling TLS on %s (protocols: %s)", l.Addr(), strings.Join(n.protocolNames(), ", "))
	return tls.NewListener(l, conf), nil
}

func (n *tlsNegotiator) buildConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(n.cfg.CertFile, n.cfg.KeyFile)
	if err != nil {
		return nil, common.NewConfigError("unable to load TLS key pair: %v", err)
	}

	versions, err := n.versions()
	if err != nil {
		return nil, err
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   versions[0],
		MaxVersion:   versions[len(versions)-1],
	}

	if n.cfg.ClientAuth {
		pem, err := os.ReadFile(n.cfg.CAFile)
		if err != nil {
			return nil, common.NewConfigError("unable to read CA file: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, common.NewConfigError("no certificates found in CA file %s", n.cfg.CAFile)
		}
		conf.ClientAuth = tls.RequireAndVerifyClientCert
		conf.ClientCAs = pool
	}

	return conf, nil
}

// versions intersects the configured protocol names with the supported set
// and returns the matching versions in ascending order. An empty
// configuration allows every supported protocol; an empty intersection is a
// configuration error naming both sets.
func (n *tlsNegotiator) versions() ([]uint16, error) {
	names := n.cfg.Protocols
	if len(names) == 0 {
		names = allProtocolNames()
	}

	var versions []uint16
	for _, name := range names {
		if v, ok := supportedProtocols[name]; ok {
			versions = append(versions, v)
		}
	}

	if len(versions) == 0 {
		return nil, common.NewConfigError(
			"none of the configured TLS protocols %v are supported (supported: %v)",
			n.cfg.Protocols, allProtocolNames(),
		)
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

// protocolNames returns the configured protocols that will actually be used
func (n *tlsNegotiator) protocolNames() []string {
	versions, err := n.versions()
	if err != nil {
		return nil
	}
	var names []string
	for _, v := range versions {
		for name, sv := range supportedProtocols {
			if sv == v {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}

func allProtocolNames() []string {
	names := make([]string, 0, len(supportedProtocols))
	for name := range supportedProtocols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -----------------------------------------------------------
// Client side
// -----------------------------------------------------------

// ClientTLSConfig builds the tls.Config a client uses to reach a TLS server.
// caFile may be empty to trust the system roots; certFile/keyFile provide the
// client certificate when the server demands one.
func ClientTLSConfig(serverName, caFile, certFile, keyFile string) (*tls.Config, error) {
	conf := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("unable to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", caFile)
		}
		conf.RootCAs = pool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("unable to load client key pair: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}
