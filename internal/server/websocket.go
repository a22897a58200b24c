package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/registry"
	"go.uber.org/zap"
)

// wsConn adapts a gorilla connection to registry.Conn. The registry's write
// loop is the only caller of WriteMessage.
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
	return c.conn.Close()
}

// serveRole upgrades the request and runs the peer until it disconnects.
func (s *Server) serveRole(role registry.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error.
			logging.Warn("WebSocket upgrade failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("role", role.String()),
				zap.Error(err),
			)
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()
		s.handlePeer(conn, role, r.RemoteAddr)
	}
}

// handlePeer registers the connection, keeps it alive with pings and feeds
// every text frame to the protocol engine.
func (s *Server) handlePeer(conn *websocket.Conn, role registry.Role, remote string) {
	id := s.registry.Register(&wsConn{conn: conn, writeWait: s.config.WriteWait}, role, remote)
	connID := uint64(id)

	logging.LogConnection(remote, connID, role.String(), "connected")
	s.observer.Observe(logging.Event{Kind: logging.EventConnect, ConnID: connID, Name: role.String()})

	defer func() {
		s.registry.Unregister(id)
		logging.LogConnection(remote, connID, role.String(), "disconnected")
		s.observer.Observe(logging.Event{Kind: logging.EventDisconnect, ConnID: connID, Name: role.String()})
	}()

	peer, ok := s.registry.Peer(id)
	if !ok {
		return
	}

	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	go s.pingLoop(conn, peer.Done())

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info("Connection closed or error reading frame",
					zap.Uint64("conn_id", connID),
					zap.Error(err),
				)
			}
			return
		}
		if messageType != websocket.TextMessage {
			logging.Debug("Ignoring non-text frame",
				zap.Uint64("conn_id", connID),
				zap.Int("type", messageType),
			)
			continue
		}

		logging.LogFrame(connID, "rx", data)
		if role == registry.RoleDevice {
			s.engine.HandleDevice(data)
		} else {
			s.engine.HandleClient(id, data)
		}
	}
}

// pingLoop sends keepalive pings until the peer is unregistered.
func (s *Server) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.config.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
