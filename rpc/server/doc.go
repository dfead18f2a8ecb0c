/*
Package server assembles and runs one RPC server instance. It owns the full
lifecycle: configuration validation, candidate address binding, security
negotiation, worker pool sizing and graceful shutdown.

Key Components:

  - Build: validates a ServerConfig, binds the first workable candidate
    address, applies the configured security treatment and starts serving in
    the background.

  - BoundServer: the running instance. Its Address field carries the concrete
    advertised address (canonical hostname for wildcard binds, the assigned
    port for ephemeral binds); Stop performs bounded graceful shutdown.

  - ICollector: the metrics hook wrapped around every handler invocation.
    NewVMCollector exports call counts, faults, in-flight gauge and latency.

Example:

	cfg := common.DefaultServerConfig("echo")
	srv, err := server.Build(cfg,
		common.HandlerFunc(func(ctx context.Context, req []byte) ([]byte, error) {
			return req, nil
		}),
		server.NopCollector{},
		common.NewHostPort("0.0.0.0", 0),
	)
	if err != nil {
		// handle error
	}
	defer srv.Stop()
*/
package server
