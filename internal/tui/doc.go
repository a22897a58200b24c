// Package tui implements the full-screen live monitor behind xcpctl watch.
//
// The application has two screens. The discovery screen browses mDNS for
// gateways (or takes a typed URL) and the monitor screen samples a set of
// memory locations at a fixed interval, highlighting values that changed
// since the previous sample.
//
// Screens are plain bubbletea models composed by AppModel. Gateway access is
// injected through ScanFunc and Connector so the models can be driven in
// tests without a network.
package tui
