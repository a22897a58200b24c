package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/protocol"
	"github.com/muurk/xcpgate/internal/registry"
	"go.uber.org/zap"
)

// Health is the body of the health endpoint.
type Health struct {
	Status          string              `json:"status"`
	Version         string              `json:"version"`
	Uptime          string              `json:"uptime"`
	DeviceConnected bool                `json:"device_connected"`
	Connections     int                 `json:"connections"`
	Peers           []registry.PeerInfo `json:"peers"`
	Engine          protocol.Stats      `json:"engine"`
	FramesSent      uint64              `json:"frames_sent"`
	FramesDropped   uint64              `json:"frames_dropped"`
	TLS             map[string]any      `json:"tls"`
}

// Health returns a snapshot of the gateway state.
func (s *Server) Health() Health {
	sent, dropped := s.registry.Stats()
	return Health{
		Status:          "ok",
		Version:         s.version,
		Uptime:          time.Since(s.started).Truncate(time.Second).String(),
		DeviceConnected: s.registry.DeviceConnected(),
		Connections:     s.GetActiveConnections(),
		Peers:           s.registry.Peers(),
		Engine:          s.engine.Stats(),
		FramesSent:      sent,
		FramesDropped:   dropped,
		TLS:             GetTLSInfo(s.tlsConfig),
	}
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Health()); err != nil {
		logging.Debug("Failed to write health response", zap.Error(err))
	}
}
