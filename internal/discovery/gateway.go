package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Gateway is an xcpgate instance found on the local network.
type Gateway struct {
	// Instance is the advertised mDNS instance name (e.g., "bench-1")
	Instance string

	// Hostname is the mDNS hostname (e.g., "bench.local.")
	Hostname string

	// IP is the first IPv4 address, or IPv6 when none was announced
	IP string

	// Port is the WebSocket listener port
	Port int

	// TLS reports whether the gateway serves wss://
	TLS bool

	// Version is the gateway build version from the TXT record
	Version string

	// Metadata holds every TXT record entry
	Metadata map[string]string

	// DiscoveredAt is when the gateway answered
	DiscoveredAt time.Time
}

// String returns a human-readable description of the gateway.
func (g *Gateway) String() string {
	return fmt.Sprintf("xcpgate %s (%s) at %s", g.Instance, g.Hostname, net.JoinHostPort(g.IP, strconv.Itoa(g.Port)))
}

// URL returns the client WebSocket endpoint of the gateway.
func (g *Gateway) URL() string {
	scheme := "ws"
	if g.TLS {
		scheme = "wss"
	}
	path := g.Metadata["path"]
	if path == "" {
		path = DefaultClientPath
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(g.IP, strconv.Itoa(g.Port)), path)
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found.
func (g *Gateway) GetMetadata(key string) string {
	if g.Metadata == nil {
		return ""
	}
	return g.Metadata[key]
}
