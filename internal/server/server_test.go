package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/protocol"
	"github.com/muurk/xcpgate/internal/registry"
)

type testGateway struct {
	srv    *Server
	reg    *registry.Registry
	engine *protocol.Engine
	http   *httptest.Server
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	reg := registry.New(0)
	engine := protocol.NewEngine(protocol.Options{
		Registry:      reg,
		MemoryTimeout: time.Second,
		OTA:           ota.DefaultConfig(),
	})
	cfg := config.Default().Server
	cfg.PongWait = 2 * time.Second
	srv, err := New(Options{Config: cfg, Registry: reg, Engine: engine, Version: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		reg.Close()
		hs.Close()
		engine.Close()
	})
	return &testGateway{srv: srv, reg: reg, engine: engine, http: hs}
}

func (g *testGateway) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.http.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v map[string]interface{}) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemReadEndToEnd(t *testing.T) {
	g := newTestGateway(t)
	device := g.dial(t, DevicePath)
	waitFor(t, g.reg.DeviceConnected)
	client := g.dial(t, ClientPath)

	send(t, client, map[string]interface{}{"cmd": "init", "con_id": "01"})
	if m := recv(t, client); m["res"] != "init" {
		t.Fatalf("init reply = %v", m)
	}

	send(t, client, map[string]interface{}{"cmd": "mem_read", "con_id": "01", "add": "0x20000100", "size": "32"})
	req := recv(t, device)
	if req["cmd"] != "mem_read" || req["add"] != "0x20000100" {
		t.Fatalf("device request = %v", req)
	}
	send(t, device, map[string]interface{}{"res": "mem_read", "con_id": "01", "add": "0x20000100", "value": "0x2a"})

	m := recv(t, client)
	if m["res"] != "mem_read" || m["value"] != "42" || m["con_id"] != "01" {
		t.Errorf("read reply = %v", m)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	g := newTestGateway(t)
	client := g.dial(t, ClientPath)

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"cmd":`)); err != nil {
		t.Fatal(err)
	}
	if m := recv(t, client); m["reason"] != protocol.ReasonMalformedJSON {
		t.Fatalf("reply = %v", m)
	}

	send(t, client, map[string]interface{}{"cmd": "init", "con_id": "02"})
	if m := recv(t, client); m["res"] != "init" {
		t.Errorf("init after malformed frame = %v", m)
	}
}

func TestReadWithoutDevice(t *testing.T) {
	g := newTestGateway(t)
	client := g.dial(t, ClientPath)

	send(t, client, map[string]interface{}{"cmd": "init", "con_id": "01"})
	recv(t, client)
	send(t, client, map[string]interface{}{"cmd": "mem_read", "con_id": "01", "add": "0x10", "size": 8})
	if m := recv(t, client); m["reason"] != protocol.ReasonDeviceUnavailable {
		t.Errorf("reply = %v", m)
	}
}

func TestDeviceReplacement(t *testing.T) {
	g := newTestGateway(t)
	first := g.dial(t, DevicePath)
	waitFor(t, g.reg.DeviceConnected)
	g.dial(t, DevicePath)

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("first device still open after replacement")
	}
	waitFor(t, func() bool {
		devices := 0
		for _, p := range g.reg.Peers() {
			if p.Role == registry.RoleDevice.String() {
				devices++
			}
		}
		return devices == 1 && g.reg.DeviceConnected()
	})
}

func TestDisconnectUnregisters(t *testing.T) {
	g := newTestGateway(t)
	client := g.dial(t, ClientPath)
	send(t, client, map[string]interface{}{"cmd": "init", "con_id": "01"})
	recv(t, client)

	_ = client.Close()
	waitFor(t, func() bool {
		return len(g.reg.Peers()) == 0 && g.engine.Stats().Sessions == 0
	})
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t)
	g.dial(t, DevicePath)
	waitFor(t, g.reg.DeviceConnected)

	resp, err := http.Get(g.http.URL + HealthPath)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Version != "test" || !h.DeviceConnected || len(h.Peers) != 1 || h.Connections != 1 {
		t.Errorf("health = %+v", h)
	}

	resp, err = http.Post(g.http.URL+HealthPath, "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", resp.StatusCode)
	}
}

func TestNewRejectsBadTLS(t *testing.T) {
	cfg := config.Default().Server
	cfg.CertPath = "/nonexistent/cert.pem"
	cfg.KeyPath = "/nonexistent/key.pem"
	reg := registry.New(0)
	engine := protocol.NewEngine(protocol.Options{Registry: reg})
	defer engine.Close()
	if _, err := New(Options{Config: cfg, Registry: reg, Engine: engine}); err == nil {
		t.Error("New() accepted missing certificate files")
	}
}
