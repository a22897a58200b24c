package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/xcpgate/internal/discovery"
)

// ScanFunc looks for gateways on the local network.
type ScanFunc func(ctx context.Context) ([]*discovery.Gateway, error)

type scanStartMsg struct{}
type scanCompleteMsg struct {
	gateways []*discovery.Gateway
	err      error
}

// discoveryKeyMap defines key bindings for the discovery screen
type discoveryKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Enter  key.Binding
	Rescan key.Binding
	Manual key.Binding
	Quit   key.Binding
}

func (k discoveryKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Enter, k.Rescan, k.Manual, k.Quit}
}

func (k discoveryKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Up, k.Down, k.Enter}, {k.Rescan, k.Manual, k.Quit}}
}

// manualKeyMap applies while a URL is typed in.
type manualKeyMap struct {
	Confirm key.Binding
	Cancel  key.Binding
}

func (k manualKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Confirm, k.Cancel}
}

func (k manualKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Confirm, k.Cancel}}
}

// gatewayItem adapts a discovered or typed-in gateway to bubbles/list.
type gatewayItem struct {
	gw  *discovery.Gateway
	url string
}

func (g gatewayItem) FilterValue() string {
	if g.gw == nil {
		return g.url
	}
	return g.gw.Instance + " " + g.gw.Hostname + " " + g.gw.IP
}

func (g gatewayItem) Title() string {
	if g.gw == nil {
		return "Manual: " + g.url
	}
	return g.gw.Instance
}

func (g gatewayItem) Description() string {
	if g.gw == nil {
		return "entered by hand"
	}
	v := g.gw.Version
	if v == "" {
		v = "unknown"
	}
	return fmt.Sprintf("%s • %s • version %s", g.gw.Hostname, g.url, v)
}

// DiscoveryModel is the gateway picker screen.
type DiscoveryModel struct {
	Scanning    bool
	List        list.Model
	Selected    bool
	Err         error
	ManualMode  bool
	URLInput    textinput.Model
	Width       int
	Height      int
	Spinner     spinner.Model
	ProgressBar progress.Model
	ScanStarted time.Time
	ScanTimeout time.Duration
	Help        help.Model
	Keys        discoveryKeyMap
	ManualKeys  manualKeyMap

	scan ScanFunc
}

// NewDiscoveryModel creates the picker. timeout only scales the progress bar.
func NewDiscoveryModel(scan ScanFunc, timeout time.Duration) DiscoveryModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	input := textinput.New()
	input.Placeholder = "ws://192.168.1.20:8765/ws"
	input.CharLimit = 200
	input.Width = 50

	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 40

	gateways := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	gateways.Title = "Discovered Gateways"
	gateways.SetShowStatusBar(false)
	gateways.SetFilteringEnabled(true)
	gateways.Styles.Title = TitleStyle

	if timeout <= 0 {
		timeout = discovery.DefaultScanTimeout
	}

	return DiscoveryModel{
		List:        gateways,
		URLInput:    input,
		Spinner:     s,
		ProgressBar: bar,
		ScanTimeout: timeout,
		Help:        help.New(),
		Keys: discoveryKeyMap{
			Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "move up")),
			Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "move down")),
			Enter:  key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "monitor")),
			Rescan: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "rescan")),
			Manual: key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "enter URL")),
			Quit:   key.NewBinding(key.WithKeys("q", "esc"), key.WithHelp("q", "quit")),
		},
		ManualKeys: manualKeyMap{
			Confirm: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "confirm")),
			Cancel:  key.NewBinding(key.WithKeys("esc"), key.WithHelp("esc", "cancel")),
		},
		scan: scan,
	}
}

func (m DiscoveryModel) startScan() tea.Cmd {
	scan := m.scan
	return tea.Batch(
		func() tea.Msg { return scanStartMsg{} },
		func() tea.Msg {
			if scan == nil {
				return scanCompleteMsg{}
			}
			gateways, err := scan(context.Background())
			return scanCompleteMsg{gateways: gateways, err: err}
		},
		m.Spinner.Tick,
	)
}

func (m DiscoveryModel) Init() tea.Cmd {
	return m.startScan()
}

func (m DiscoveryModel) Update(msg tea.Msg) (DiscoveryModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.ManualMode {
			return m.updateManualMode(msg)
		}
		if m.Scanning {
			return m, nil
		}
		if m.List.FilterState() == list.Filtering {
			break
		}
		switch {
		case key.Matches(msg, m.Keys.Enter):
			if m.List.SelectedItem() != nil {
				m.Selected = true
			}
			return m, nil
		case key.Matches(msg, m.Keys.Rescan):
			m.List.SetItems([]list.Item{})
			m.Err = nil
			return m, m.startScan()
		case key.Matches(msg, m.Keys.Manual):
			m.ManualMode = true
			m.URLInput.SetValue("")
			m.URLInput.Focus()
			return m, textinput.Blink
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.List.SetWidth(msg.Width - 4)
		m.List.SetHeight(msg.Height - 10)

	case scanStartMsg:
		m.Scanning = true
		m.ScanStarted = time.Now()
		return m, nil

	case scanCompleteMsg:
		m.Scanning = false
		m.Err = msg.err
		items := make([]list.Item, 0, len(msg.gateways))
		for _, gw := range msg.gateways {
			items = append(items, gatewayItem{gw: gw, url: gw.URL()})
		}
		m.List.SetItems(items)
		return m, nil

	case spinner.TickMsg:
		if !m.Scanning {
			return m, nil
		}
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd
	}

	if !m.ManualMode && !m.Scanning {
		m.List, cmd = m.List.Update(msg)
	}
	return m, cmd
}

func (m DiscoveryModel) updateManualMode(msg tea.KeyMsg) (DiscoveryModel, tea.Cmd) {
	switch {
	case key.Matches(msg, m.ManualKeys.Cancel):
		m.ManualMode = false
		m.URLInput.Blur()
		return m, nil
	case key.Matches(msg, m.ManualKeys.Confirm):
		value := strings.TrimSpace(m.URLInput.Value())
		if value == "" {
			return m, nil
		}
		items := append([]list.Item{gatewayItem{url: value}}, m.List.Items()...)
		m.List.SetItems(items)
		m.List.Select(0)
		m.ManualMode = false
		m.URLInput.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.URLInput, cmd = m.URLInput.Update(msg)
	return m, cmd
}

// SelectedURL returns the chosen gateway endpoint, or "" before a choice.
func (m DiscoveryModel) SelectedURL() string {
	if !m.Selected {
		return ""
	}
	if item, ok := m.List.SelectedItem().(gatewayItem); ok {
		return item.url
	}
	return ""
}

// WantsQuit reports whether a key should leave the application.
func (m DiscoveryModel) WantsQuit(msg tea.KeyMsg) bool {
	return !m.Scanning && !m.ManualMode && m.List.FilterState() != list.Filtering && key.Matches(msg, m.Keys.Quit)
}

func (m DiscoveryModel) View() string {
	var content, helpText string
	switch {
	case m.ManualMode:
		content = "\n" + SubtitleStyle.Render("  Enter the gateway client endpoint") + "\n\n  URL: " + m.URLInput.View() + "\n"
		helpText = m.Help.View(m.ManualKeys)
	case m.Scanning:
		content = m.renderScanning()
		helpText = "ctrl+c quit"
	default:
		content = m.renderResults()
		helpText = m.Help.View(m.Keys)
	}
	return RenderApplicationContainer(content, helpText, "", m.Width, m.Height)
}

func (m DiscoveryModel) renderScanning() string {
	elapsed := time.Since(m.ScanStarted)
	fraction := float64(elapsed) / float64(m.ScanTimeout)
	if fraction > 1 {
		fraction = 1
	}
	content := lipgloss.JoinVertical(lipgloss.Center,
		"",
		TitleStyle.Render(m.Spinner.View()+" SEARCHING FOR GATEWAYS"),
		SubtitleStyle.Render("Browsing mDNS for xcpgate instances..."),
		"",
		m.ProgressBar.ViewAs(fraction),
		"",
	)
	width := m.Width
	if width == 0 {
		width = MinTerminalWidth
	}
	return lipgloss.Place(width-4, 0, lipgloss.Center, lipgloss.Top, content)
}

func (m DiscoveryModel) renderResults() string {
	var b strings.Builder
	b.WriteString("\n")
	switch {
	case m.Err != nil:
		b.WriteString(RenderError(fmt.Sprintf("Scan failed: %v", m.Err)))
		b.WriteString("\n")
	case len(m.List.Items()) == 0:
		b.WriteString("  ")
		b.WriteString(lipgloss.NewStyle().Foreground(WarningColor).Bold(true).Render("⚠ No gateways found"))
		b.WriteString("\n\n")
		b.WriteString("  Troubleshooting:\n")
		b.WriteString("    • Start the gateway with: xcpgate serve --advertise\n")
		b.WriteString("    • mDNS does not cross subnets; press m to enter a URL\n")
	default:
		b.WriteString(m.List.View())
	}
	return b.String()
}
