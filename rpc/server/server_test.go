package server

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/transport"
	"github.com/jcmturner/gokrb5/v8/keytab"
)

func echoHandler() common.Handler {
	return common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	})
}

func testConfig(mode common.ServerMode) common.ServerConfig {
	cfg := common.DefaultServerConfig("test")
	cfg.Mode = mode
	cfg.StopTimeout = time.Second
	return cfg
}

// call sends one raw frame to the server and reads the response
func call(t *testing.T, addr string, requestID uint64, payload []byte) (byte, []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", addr, err)
	}
	defer conn.Close()

	if err := transport.WriteFrame(conn, requestID, transport.StatusOK, payload, 0); err != nil {
		t.Fatalf("Failed to write request: %v", err)
	}
	_, status, resp, err := transport.ReadFrame(conn, nil, 0)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return status, resp
}

// TestBuildAllModes tests that every strategy binds an ephemeral port and
// serves requests
func TestBuildAllModes(t *testing.T) {
	modes := []common.ServerMode{common.ModeBlocking, common.ModeSingleSelector, common.ModeMultiSelector}

	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			srv, err := Build(testConfig(mode), echoHandler(), nil, common.NewHostPort("127.0.0.1", 0))
			if err != nil {
				t.Fatalf("Failed to build server: %v", err)
			}
			defer srv.Stop()

			if srv.Address.Port == 0 {
				t.Error("Expected the assigned port to be read back, got 0")
			}
			if !srv.Serving() {
				t.Error("Expected server to report serving")
			}

			payload := []byte(fmt.Sprintf("hello-%s", mode))
			status, resp := call(t, srv.Address.String(), 1, payload)
			if status != transport.StatusOK {
				t.Errorf("Expected ok status, got %d", status)
			}
			if !bytes.Equal(resp, payload) {
				t.Errorf("Expected echo %q, got %q", payload, resp)
			}
		})
	}
}

// TestBuildCandidateRetry tests that an occupied candidate falls through to
// the next one
func TestBuildCandidateRetry(t *testing.T) {
	// occupy a port
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer blocker.Close()
	occupied := blocker.Addr().(*net.TCPAddr).Port

	srv, err := Build(testConfig(common.ModeBlocking), echoHandler(), nil,
		common.NewHostPort("127.0.0.1", occupied),
		common.NewHostPort("127.0.0.1", 0),
	)
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	defer srv.Stop()

	if srv.Address.Port == occupied || srv.Address.Port == 0 {
		t.Errorf("Expected the free candidate to be bound, got port %d", srv.Address.Port)
	}
}

// TestBuildAllCandidatesFail tests that a BindError reports every attempt
func TestBuildAllCandidatesFail(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer blocker.Close()
	occupied := blocker.Addr().(*net.TCPAddr).Port

	_, err = Build(testConfig(common.ModeBlocking), echoHandler(), nil,
		common.NewHostPort("127.0.0.1", occupied),
		common.NewHostPort("127.0.0.1", occupied),
	)
	if err == nil {
		t.Fatal("Expected build to fail when every candidate is occupied")
	}
	if !common.IsBindError(err) {
		t.Fatalf("Expected a BindError, got %v", err)
	}
}

// TestBuildWildcardAdvertisesHostname tests that a wildcard bind is
// advertised under the local canonical hostname
func TestBuildWildcardAdvertisesHostname(t *testing.T) {
	srv, err := Build(testConfig(common.ModeBlocking), echoHandler(), nil, common.NewHostPort("0.0.0.0", 0))
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	defer srv.Stop()

	if srv.Address.IsWildcard() {
		t.Errorf("Expected a concrete advertised host, got %q", srv.Address.Host)
	}
	if srv.Address.Host != common.LocalCanonicalHostname() {
		t.Errorf("Expected advertised host %q, got %q", common.LocalCanonicalHostname(), srv.Address.Host)
	}
}

// TestBuildConfigErrors tests that invalid configurations are rejected before
// any socket is opened
func TestBuildConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*common.ServerConfig)
	}{
		{"both security modes", func(c *common.ServerConfig) {
			c.Security.TLS = &common.TLSConf{CertFile: "c", KeyFile: "k"}
			c.Security.SASL = &common.SASLConf{ServerPrimary: "p", KeytabPath: "kt"}
		}},
		{"unknown mode", func(c *common.ServerConfig) {
			c.Mode = "best-effort"
		}},
		{"tls without key", func(c *common.ServerConfig) {
			c.Security.TLS = &common.TLSConf{CertFile: "c"}
		}},
		{"sasl without keytab", func(c *common.ServerConfig) {
			c.Security.SASL = &common.SASLConf{ServerPrimary: "p"}
		}},
		{"no workers", func(c *common.ServerConfig) {
			c.MinWorkers = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(common.ModeBlocking)
			tt.mutate(&cfg)

			_, err := Build(cfg, echoHandler(), nil, common.NewHostPort("127.0.0.1", 0))
			if err == nil {
				t.Fatal("Expected build to fail")
			}
			if !common.IsConfigError(err) {
				t.Errorf("Expected a ConfigError, got %v", err)
			}
		})
	}
}

// writeTestKeytab writes a loadable keytab with a single service entry and
// returns its path
func writeTestKeytab(t *testing.T, primary string) string {
	t.Helper()
	kt := keytab.New()
	if err := kt.AddEntry(primary, "EXAMPLE.COM", "password", time.Now(), 1, 18); err != nil {
		t.Fatalf("Failed to add keytab entry: %v", err)
	}
	data, err := kt.Marshal()
	if err != nil {
		t.Fatalf("Failed to marshal keytab: %v", err)
	}
	path := filepath.Join(t.TempDir(), "test.keytab")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write keytab: %v", err)
	}
	return path
}

// TestBuildSASLForeignHost tests that a SASL server refuses to start on a
// host that is not its own, without opening a socket
func TestBuildSASLForeignHost(t *testing.T) {
	// reserve a port to prove it stays untouched
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	port := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	cfg := testConfig(common.ModeBlocking)
	cfg.Security.SASL = &common.SASLConf{
		ServerPrimary: "drpc",
		KeytabPath:    writeTestKeytab(t, "drpc"),
	}

	_, err = Build(cfg, echoHandler(), nil, common.NewHostPort("definitely-not-this-host.invalid", port))
	if err == nil {
		t.Fatal("Expected build to fail")
	}
	if !common.IsConfigError(err) {
		t.Errorf("Expected a ConfigError, got %v", err)
	}

	// the reserved port must still be free
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Errorf("Expected no socket to have been opened on %d: %v", port, err)
	} else {
		l.Close()
	}
}

// TestStopIdempotent tests that Stop can be called repeatedly and terminates
// the instance
func TestStopIdempotent(t *testing.T) {
	srv, err := Build(testConfig(common.ModeBlocking), echoHandler(), nil, common.NewHostPort("127.0.0.1", 0))
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}

	srv.Stop()
	srv.Stop()

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Done to be closed after Stop")
	}
	if srv.Serving() {
		t.Error("Expected server to report not serving after Stop")
	}

	// new connections must be refused
	if _, err := net.DialTimeout("tcp", srv.Address.String(), 100*time.Millisecond); err == nil {
		// a dial may still succeed if the port was reused; only fail when the
		// original address is on localhost
		t.Logf("dial after stop unexpectedly succeeded (port may have been reused)")
	}
}

// TestWaitReady tests that a built server reports ready immediately and a
// stopped one reports closed
func TestWaitReady(t *testing.T) {
	srv, err := Build(testConfig(common.ModeBlocking), echoHandler(), nil, common.NewHostPort("127.0.0.1", 0))
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.WaitReady(ctx); err != nil {
		t.Errorf("Expected server to be ready, got %v", err)
	}

	srv.Stop()
}

// TestTimedHandlerMetrics tests that the collector sees every call
func TestTimedHandlerMetrics(t *testing.T) {
	collector := &countingCollector{}
	h := newTimedHandler(common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
		if string(req) == "fail" {
			return nil, fmt.Errorf("boom")
		}
		return req, nil
	}), collector)

	h.Handle(context.Background(), []byte("ok"))
	h.Handle(context.Background(), []byte("fail"))

	if collector.started != 2 {
		t.Errorf("Expected 2 started calls, got %d", collector.started)
	}
	if collector.finished != 2 {
		t.Errorf("Expected 2 finished calls, got %d", collector.finished)
	}
	if collector.faults != 1 {
		t.Errorf("Expected 1 fault, got %d", collector.faults)
	}
}

type countingCollector struct {
	started  int
	finished int
	faults   int
}

func (c *countingCollector) CallStarted(time.Time) { c.started++ }
func (c *countingCollector) CallFinished(start, end time.Time, err error) {
	c.finished++
	if err != nil {
		c.faults++
	}
}
