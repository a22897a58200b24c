package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/muurk/xcpgate/internal/discovery"
)

type fakeSource struct {
	samples [][]Reading
	calls   int
	closed  bool
}

func (f *fakeSource) Sample(context.Context) ([]Reading, error) {
	i := f.calls
	if i >= len(f.samples) {
		i = len(f.samples) - 1
	}
	f.calls++
	return f.samples[i], nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func connectedMonitor(t *testing.T, src *fakeSource) MonitorModel {
	t.Helper()
	m := NewMonitorModel("ws://bench:8765/ws", func(context.Context, string) (Source, error) { return src, nil }, 200*time.Millisecond)
	m, cmd := m.Update(connectedMsg{src: src})
	if cmd == nil {
		t.Fatal("connect did not start sampling")
	}
	m, _ = m.Update(cmd())
	return m
}

func TestMonitorSamplesAndHighlights(t *testing.T) {
	src := &fakeSource{samples: [][]Reading{
		{{Name: "speed", Address: "0x20000010", Value: "1500"}, {Name: "mode", Address: "0x20000000", Value: "3"}},
		{{Name: "speed", Address: "0x20000010", Value: "1520"}, {Name: "mode", Address: "0x20000000", Value: "3"}},
	}}
	m := connectedMonitor(t, src)
	if m.Samples != 1 || len(m.Readings) != 2 {
		t.Fatalf("after first sample: samples=%d readings=%v", m.Samples, m.Readings)
	}
	if len(m.Changed) != 0 {
		t.Errorf("first sample marked changes: %v", m.Changed)
	}

	m, cmd := m.Update(tickMsg{seq: m.seq})
	if cmd == nil {
		t.Fatal("tick did not sample")
	}
	m, _ = m.Update(cmd())
	if !m.Changed["speed"] || m.Changed["mode"] {
		t.Errorf("changed = %v", m.Changed)
	}

	view := m.View()
	for _, want := range []string{"speed", "1520", "0x20000000", "LIVE"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q", want)
		}
	}
}

func TestMonitorPauseDropsStaleTicks(t *testing.T) {
	src := &fakeSource{samples: [][]Reading{{{Name: "x", Address: "0x1", Value: "1"}}}}
	m := connectedMonitor(t, src)
	stale := m.seq

	m, _ = m.Update(runes("p"))
	if !m.Paused {
		t.Fatal("p did not pause")
	}
	if _, cmd := m.Update(tickMsg{seq: stale}); cmd != nil {
		t.Error("stale tick sampled while paused")
	}
	if _, cmd := m.Update(sampleMsg{seq: stale, readings: nil}); cmd != nil {
		t.Error("stale sample scheduled work")
	}
	if !strings.Contains(m.View(), "PAUSED") {
		t.Error("view does not show paused")
	}

	m, cmd := m.Update(runes("p"))
	if m.Paused || cmd == nil {
		t.Error("resume did not sample")
	}
}

func TestMonitorInterval(t *testing.T) {
	m := NewMonitorModel("ws://x/ws", nil, 0)
	if m.Interval != DefaultInterval {
		t.Errorf("default interval = %s", m.Interval)
	}
	for i := 0; i < 10; i++ {
		m, _ = m.Update(runes("+"))
	}
	if m.Interval != MinInterval {
		t.Errorf("interval after faster = %s", m.Interval)
	}
	for i := 0; i < 10; i++ {
		m, _ = m.Update(runes("-"))
	}
	if m.Interval != MaxInterval {
		t.Errorf("interval after slower = %s", m.Interval)
	}
}

func TestMonitorConnectFailure(t *testing.T) {
	m := NewMonitorModel("ws://x/ws", nil, time.Second)
	m, cmd := m.Update(connectedMsg{err: errors.New("connection refused")})
	if cmd != nil {
		t.Error("failed connect scheduled work")
	}
	if !strings.Contains(m.View(), "connection refused") {
		t.Error("view does not show the connect error")
	}
}

func TestDiscoverySelection(t *testing.T) {
	m := NewDiscoveryModel(nil, time.Second)
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	m, _ = m.Update(scanStartMsg{})
	if !m.Scanning {
		t.Fatal("not scanning")
	}
	gw := &discovery.Gateway{Instance: "bench-1", Hostname: "bench.local.", IP: "10.0.0.5", Port: 8765}
	m, _ = m.Update(scanCompleteMsg{gateways: []*discovery.Gateway{gw}})
	if m.Scanning || len(m.List.Items()) != 1 {
		t.Fatalf("items = %d", len(m.List.Items()))
	}
	if !strings.Contains(m.View(), "bench-1") {
		t.Error("view does not list the gateway")
	}

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if got := m.SelectedURL(); got != "ws://10.0.0.5:8765/ws" {
		t.Errorf("SelectedURL() = %q", got)
	}
}

func TestDiscoveryManualURL(t *testing.T) {
	m := NewDiscoveryModel(nil, time.Second)
	m, _ = m.Update(scanCompleteMsg{})
	if !strings.Contains(m.View(), "No gateways found") {
		t.Error("empty result not explained")
	}

	m, _ = m.Update(runes("m"))
	if !m.ManualMode {
		t.Fatal("m did not open manual entry")
	}
	m, _ = m.Update(runes("ws://10.1.1.1:8765/ws"))
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.ManualMode {
		t.Fatal("enter did not confirm")
	}
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if got := m.SelectedURL(); got != "ws://10.1.1.1:8765/ws" {
		t.Errorf("SelectedURL() = %q", got)
	}
}

func TestAppFlow(t *testing.T) {
	src := &fakeSource{samples: [][]Reading{{{Name: "x", Address: "0x1", Value: "1"}}}}
	app := NewAppModel(Options{
		Connect: func(context.Context, string) (Source, error) { return src, nil },
	})
	if app.CurrentScreen != ScreenDiscovery {
		t.Fatalf("start screen = %s", app.CurrentScreen)
	}

	gw := &discovery.Gateway{Instance: "bench-1", IP: "10.0.0.5", Port: 8765}
	model, _ := app.Update(scanCompleteMsg{gateways: []*discovery.Gateway{gw}})
	model, cmd := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	app = model.(AppModel)
	if app.CurrentScreen != ScreenMonitor || app.Monitor.URL != "ws://10.0.0.5:8765/ws" || cmd == nil {
		t.Fatalf("after select: screen=%s url=%s", app.CurrentScreen, app.Monitor.URL)
	}

	model, _ = app.Update(connectedMsg{src: src})
	model, _ = model.Update(runes("b"))
	app = model.(AppModel)
	if app.CurrentScreen != ScreenDiscovery || !src.closed {
		t.Errorf("back: screen=%s closed=%v", app.CurrentScreen, src.closed)
	}
}
