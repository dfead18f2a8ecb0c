package common

import (
	"net"
	"os"
	"strings"
)

// --------------------------------------------------------------------------
// Hostname canonicalization
// --------------------------------------------------------------------------

// CanonicalHostname resolves host to its canonical (fully qualified) name.
// The wildcard address resolves to the local canonical hostname. If reverse
// resolution is not possible the input host is returned unchanged.
func CanonicalHostname(host string) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		return LocalCanonicalHostname()
	}

	addrs, err := net.LookupHost(host)
	if err != nil || len(addrs) == 0 {
		return host
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return host
	}
	return strings.TrimSuffix(names[0], ".")
}

// LocalCanonicalHostname returns the canonical name of this host. Falls back
// to the plain OS hostname when DNS cannot improve on it.
func LocalCanonicalHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}

	addrs, err := net.LookupHost(hostname)
	if err != nil || len(addrs) == 0 {
		return hostname
	}
	names, err := net.LookupAddr(addrs[0])
	if err != nil || len(names) == 0 {
		return hostname
	}
	return strings.TrimSuffix(names[0], ".")
}
