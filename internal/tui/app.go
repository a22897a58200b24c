package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Screen represents the current active screen in the application
type Screen string

const (
	ScreenDiscovery Screen = "discovery"
	ScreenMonitor   Screen = "monitor"
)

// Options configure the monitor application.
type Options struct {
	// URL skips discovery when set.
	URL         string
	Scan        ScanFunc
	ScanTimeout time.Duration
	Connect     Connector
	Interval    time.Duration
}

// AppModel is the top-level model that switches between the gateway picker
// and the live monitor.
type AppModel struct {
	CurrentScreen Screen
	Discovery     DiscoveryModel
	Monitor       MonitorModel
	Width         int
	Height        int

	opts Options
}

// NewAppModel starts at the monitor when opts.URL is set, else at discovery.
func NewAppModel(opts Options) AppModel {
	m := AppModel{opts: opts, Discovery: NewDiscoveryModel(opts.Scan, opts.ScanTimeout)}
	if opts.URL != "" {
		m.CurrentScreen = ScreenMonitor
		m.Monitor = NewMonitorModel(opts.URL, opts.Connect, opts.Interval)
	} else {
		m.CurrentScreen = ScreenDiscovery
	}
	return m
}

func (m AppModel) Init() tea.Cmd {
	if m.CurrentScreen == ScreenMonitor {
		return m.Monitor.Init()
	}
	return m.Discovery.Init()
}

func (m AppModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width, m.Height = msg.Width, msg.Height
		m.Discovery, _ = m.Discovery.Update(msg)
		m.Monitor, _ = m.Monitor.Update(msg)
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.Monitor.Close()
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	switch m.CurrentScreen {
	case ScreenDiscovery:
		if k, ok := msg.(tea.KeyMsg); ok && m.Discovery.WantsQuit(k) {
			return m, tea.Quit
		}
		m.Discovery, cmd = m.Discovery.Update(msg)
		if url := m.Discovery.SelectedURL(); url != "" {
			m.Discovery.Selected = false
			return m.showMonitor(url)
		}

	case ScreenMonitor:
		if k, ok := msg.(tea.KeyMsg); ok && k.String() == "q" {
			m.Monitor.Close()
			return m, tea.Quit
		}
		m.Monitor, cmd = m.Monitor.Update(msg)
		if m.Monitor.BackRequested {
			m.Monitor.Close()
			m.CurrentScreen = ScreenDiscovery
			if len(m.Discovery.List.Items()) == 0 {
				return m, m.Discovery.Init()
			}
			return m, nil
		}
	}
	return m, cmd
}

func (m AppModel) showMonitor(url string) (tea.Model, tea.Cmd) {
	m.CurrentScreen = ScreenMonitor
	m.Monitor = NewMonitorModel(url, m.opts.Connect, m.opts.Interval)
	m.Monitor.Width, m.Monitor.Height = m.Width, m.Height
	return m, m.Monitor.Init()
}

func (m AppModel) View() string {
	if m.CurrentScreen == ScreenMonitor {
		return m.Monitor.View()
	}
	return m.Discovery.View()
}

// Run starts the full-screen application and blocks until it exits.
func Run(opts Options) error {
	final, err := tea.NewProgram(NewAppModel(opts), tea.WithAltScreen()).Run()
	if app, ok := final.(AppModel); ok {
		app.Monitor.Close()
	}
	return err
}
