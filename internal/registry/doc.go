// Package registry tracks the live WebSocket peers of the gateway.
//
// Operators connect as client peers and the target gateway connects as the
// single device peer. Every peer gets a writer goroutine that drains a
// bounded queue, so callers never write to a transport directly:
//
//	reg := registry.New(0)
//	reg.OnClose(func(p *registry.Peer) { sessions.DropConnection(uint64(p.ID)) })
//	id := reg.Register(wsConn, registry.RoleClient, r.RemoteAddr)
//	defer reg.Unregister(id)
//	reg.Send(id, reply)
package registry
