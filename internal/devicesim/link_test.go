package devicesim

import (
	"bytes"
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/protocol"
	"github.com/muurk/xcpgate/internal/registry"
	"github.com/muurk/xcpgate/internal/server"
)

func startGateway(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(0)
	engine := protocol.NewEngine(protocol.Options{
		Registry:      reg,
		MemoryTimeout: 2 * time.Second,
		OTA:           ota.DefaultConfig(),
	})
	srv, err := server.New(server.Options{Config: config.Default().Server, Registry: reg, Engine: engine})
	if err != nil {
		t.Fatal(err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		reg.Close()
		hs.Close()
		engine.Close()
	})
	return reg, "ws" + strings.TrimPrefix(hs.URL, "http")
}

func startDevice(t *testing.T, d *Device, reg *registry.Registry, base string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx, base+server.DevicePath, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(3 * time.Second)
	for !reg.DeviceConnected() {
		if time.Now().After(deadline) {
			t.Fatal("simulated device never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func roundTrip(t *testing.T, conn *websocket.Conn, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	if err := conn.WriteJSON(req); err != nil {
		t.Fatal(err)
	}
	return readJSON(t, conn)
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m map[string]interface{}
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestWriteThenReadThroughGateway(t *testing.T) {
	reg, base := startGateway(t)
	d := New(Options{})
	startDevice(t, d, reg, base)

	client, _, err := websocket.DefaultDialer.Dial(base+server.ClientPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	roundTrip(t, client, map[string]interface{}{"cmd": "init", "con_id": "01"})

	m := roundTrip(t, client, map[string]interface{}{"cmd": "mem_write", "con_id": "01", "add": "0x20000100", "size": 16, "data": "-2"})
	if m["state"] != "success" {
		t.Fatalf("write = %v", m)
	}
	if v, _ := d.Get(0x20000100); v != 0xfffe {
		t.Fatalf("device value = %#x", v)
	}

	m = roundTrip(t, client, map[string]interface{}{"cmd": "mem_read", "con_id": "01", "add": "0x20000100", "size": 16})
	if m["value"] != "65534" {
		t.Errorf("read = %v", m)
	}
}

func TestFirmwareTransferThroughGateway(t *testing.T) {
	reg, base := startGateway(t)
	d := New(Options{RejectChunk: func(i int) bool { return i == 3 }})
	startDevice(t, d, reg, base)

	client, _, err := websocket.DefaultDialer.Dial(base+server.ClientPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	image := bytes.Repeat([]byte("firmware-"), 500)
	if err := client.WriteJSON(map[string]interface{}{
		"cmd":        "ota_start",
		"con_id":     "07",
		"data":       base64.StdEncoding.EncodeToString(image),
		"chunk_size": 512,
	}); err != nil {
		t.Fatal(err)
	}

	for {
		m := readJSON(t, client)
		if m["res"] == "error" {
			t.Fatalf("ota_start error = %v", m)
		}
		state, _ := m["state"].(string)
		if state == string(ota.StateFailed) {
			t.Fatalf("transfer failed: %v", m)
		}
		if state == string(ota.StateCompleted) {
			break
		}
	}

	if !bytes.Equal(d.Firmware(), image) {
		t.Error("device image differs from pushed image")
	}
	if s := d.Stats(); s.Nacks != 1 || s.Images != 1 {
		t.Errorf("stats = %+v", s)
	}
}
