package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dRPC/cmd/util"
	"github.com/ValentinKolb/dRPC/rpc/codec"
	"github.com/ValentinKolb/dRPC/rpc/common"
	"github.com/ValentinKolb/dRPC/rpc/security"
	"github.com/ValentinKolb/dRPC/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = common.ServerConfig{}
	serveCmdAddrs  []common.HostPort
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start an echo server",
		Long:    `Start a server that echoes every request payload back to the caller. The configuration can be set via command line flags or environment variables. The format of the environment variables is DRPC_<flag> (e.g. DRPC_LOG_LEVEL=debug)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "addresses"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("Comma-separated list of candidate addresses to bind. The first one that works is used; port 0 requests an ephemeral port"))

	key = "mode"
	ServeCmd.PersistentFlags().String(key, string(common.ModeBlocking), cmdUtil.WrapString("Concurrency strategy: blocking, single-selector or multi-selector"))

	key = "min-workers"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMinWorkers, cmdUtil.WrapString("Minimum number of workers in the pool. The pool grows and shrinks above this floor on its own"))

	key = "worker-idle-timeout"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Time after which idle workers are reclaimed (0 = never)"))

	key = "max-message-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxMessageSize, cmdUtil.WrapString("Maximum size of a single message in bytes"))

	key = "read-timeout"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("Per-connection socket read timeout (0 = none)"))

	key = "stop-timeout"
	ServeCmd.PersistentFlags().Duration(key, common.DefaultStopTimeout, cmdUtil.WrapString("How long graceful shutdown waits for in-flight requests"))

	key = "tls-cert"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("TLS certificate file. Setting this (with tls-key) enables TLS"))

	key = "tls-key"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("TLS private key file"))

	key = "tls-protocols"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of allowed TLS protocols (e.g. TLSv1.2,TLSv1.3). Empty allows all supported"))

	key = "tls-client-auth"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Require clients to present a valid certificate"))

	key = "tls-ca-file"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("CA certificate to verify client certificates against"))

	key = "sasl-primary"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("First component of the server principal. Setting this (with sasl-keytab) enables SASL"))

	key = "sasl-keytab"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Keytab file holding the server principal's credentials"))

	key = "sasl-token-secret"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Shared secret for delegation tokens. Setting this enables the token mechanism"))

	key = "metrics"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Export call metrics"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// parse candidate addresses
	serveCmdAddrs = nil
	for _, addr := range strings.Split(viper.GetString("addresses"), ",") {
		hp, err := common.ParseHostPort(strings.TrimSpace(addr))
		if err != nil {
			return err
		}
		serveCmdAddrs = append(serveCmdAddrs, hp)
	}

	// read the configuration from the command line flags and environment variables
	serveCmdConfig = common.DefaultServerConfig("drpc")
	serveCmdConfig.Mode = common.ServerMode(viper.GetString("mode"))
	serveCmdConfig.MinWorkers = viper.GetInt("min-workers")
	serveCmdConfig.WorkerIdleTimeout = viper.GetDuration("worker-idle-timeout")
	serveCmdConfig.MaxMessageSize = viper.GetInt("max-message-size")
	serveCmdConfig.ReadTimeout = viper.GetDuration("read-timeout")
	serveCmdConfig.StopTimeout = viper.GetDuration("stop-timeout")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse TLS settings
	if cert := viper.GetString("tls-cert"); cert != "" {
		tlsConf := &common.TLSConf{
			CertFile:   cert,
			KeyFile:    viper.GetString("tls-key"),
			CAFile:     viper.GetString("tls-ca-file"),
			ClientAuth: viper.GetBool("tls-client-auth"),
		}
		if protocols := viper.GetString("tls-protocols"); protocols != "" {
			tlsConf.Protocols = strings.Split(protocols, ",")
		}
		serveCmdConfig.Security.TLS = tlsConf
	}

	// parse SASL settings
	if primary := viper.GetString("sasl-primary"); primary != "" {
		saslConf := &common.SASLConf{
			ServerPrimary: primary,
			KeytabPath:    viper.GetString("sasl-keytab"),
		}
		if secret := viper.GetString("sasl-token-secret"); secret != "" {
			saslConf.TokenVerifier = security.NewJWTVerifier([]byte(secret))
		}
		serveCmdConfig.Security.SASL = saslConf
	}

	return serveCmdConfig.Validate()
}

// run starts the server and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}
	fmt.Println(serveCmdConfig.String())

	var collector server.ICollector = server.NopCollector{}
	if viper.GetBool("metrics") {
		collector = server.NewVMCollector(serveCmdConfig.Name)
	}

	// the echo handler returns every payload unchanged, going through the
	// raw codec like any application handler goes through its own
	handler := codec.Handler(codec.NewRawCodec(), func(ctx context.Context, req []byte) ([]byte, error) {
		return req, nil
	})

	srv, err := server.Build(serveCmdConfig, handler, collector, serveCmdAddrs...)
	if err != nil {
		return err
	}

	fmt.Printf("serving on %s\n", srv.Address)

	// wait for an interrupt, then shut down gracefully
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	srv.Stop()

	select {
	case <-srv.Done():
	case <-time.After(serveCmdConfig.StopTimeout + time.Second):
	}
	return nil
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("drpc")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
