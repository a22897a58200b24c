// Package discovery advertises and finds xcpgate gateways over mDNS.
//
// A gateway started with --advertise registers the "_xcpgate._tcp" service
// with TXT records for its client path, build version and TLS mode. xcpctl
// browses the same service type to list gateways or to resolve one by
// instance name.
//
// # Usage Example
//
//	scanner := discovery.NewScanner()
//	gateways, err := scanner.Scan(ctx)
//	if err != nil {
//	    return err
//	}
//	for _, gw := range gateways {
//	    fmt.Println(gw.Instance, gw.URL())
//	}
//
// # Network Requirements
//
// - Requires multicast support on the network interface
// - Gateways and clients must be on the same local network segment
// - Firewall must allow mDNS (UDP port 5353)
package discovery
