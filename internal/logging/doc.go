// Package logging provides structured logging for the xcpgate server.
//
// This package wraps a global zap logger with convenience functions for the
// logging patterns used throughout the gateway, and defines the Observer sink
// that the protocol core reports events to.
//
// # Log Levels
//
//   - Debug: frame contents, discarded device replies, per-command traces
//   - Info: peer connect/disconnect, transfer state transitions
//   - Warn: protocol errors reported to a peer, timeouts
//   - Error: listener and startup failures
//
// # Configuration
//
// Initialize logging once at startup:
//
//	if err := logging.Initialize("debug"); err != nil {
//	    log.Fatal(err)
//	}
//	defer logging.Sync()
//
// CLI commands call InitializeFromEnv so they stay silent unless
// XCPGATE_LOG_LEVEL is set.
//
// # Observers
//
// The server constructs one Observer at startup (ZapObserver by default, or a
// Fanout that also feeds a dashboard) and injects it into the protocol engine,
// the registry and the OTA engine:
//
//	obs := logging.Fanout{logging.ZapObserver{}, dashboardSink}
//	engine := protocol.NewEngine(deps, obs)
//
// Observers are sinks only. They hold no protocol state.
//
// # Thread Safety
//
// All logging functions and the provided observers are safe for concurrent use.
package logging
