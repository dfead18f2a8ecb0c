// Package cmd implements the command-line interface for the dRPC server
// framework. It provides a hierarchical command structure with operations
// for running a server and talking to it as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a server
//   - ping: Commands for sending test requests to a running server
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See drpc -help for a list of all commands.
package cmd
