// Package server hosts the gateway's WebSocket endpoints.
//
// Operator clients connect to /ws and the device gateway connects to
// /device. Both speak JSON text frames; see package protocol for the
// grammar. A GET on /healthz returns a JSON snapshot of peers, sessions,
// pending memory accesses and transfers.
//
// # Connections
//
// Every accepted connection is registered with the registry, which owns
// all writes through a per-peer queue. The server owns the read side:
// one read loop per peer hands frames to the protocol engine, and a ping
// loop keeps idle links alive. A peer that misses its pong deadline is
// closed and unregistered, which fails or pauses whatever it had in
// flight.
//
// A second device connection replaces the first.
//
// # TLS and discovery
//
// When the configuration names a certificate and key the listener is
// wrapped in TLS 1.2+. With advertising enabled the gateway announces
// itself as _xcpgate._tcp over mDNS so that xcpctl discover can find it.
package server
