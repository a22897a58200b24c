package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Interval bounds for the sampling period.
const (
	MinInterval     = 100 * time.Millisecond
	MaxInterval     = 10 * time.Second
	DefaultInterval = time.Second
)

// Reading is one sampled memory location.
type Reading struct {
	Name    string
	Address string
	Value   string
	Err     error
}

// Source samples the watched locations on an open gateway connection.
type Source interface {
	Sample(ctx context.Context) ([]Reading, error)
	Close() error
}

// Connector opens a Source against a gateway endpoint.
type Connector func(ctx context.Context, url string) (Source, error)

type connectedMsg struct {
	src Source
	err error
}

type sampleMsg struct {
	seq      int
	readings []Reading
	err      error
	at       time.Time
}

type tickMsg struct{ seq int }

type monitorKeyMap struct {
	Pause   key.Binding
	Refresh key.Binding
	Faster  key.Binding
	Slower  key.Binding
	Back    key.Binding
	Quit    key.Binding
}

func (k monitorKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Pause, k.Refresh, k.Faster, k.Slower, k.Back, k.Quit}
}

func (k monitorKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{{k.Pause, k.Refresh, k.Faster, k.Slower}, {k.Back, k.Quit}}
}

// MonitorModel polls the watched locations and shows them as a live table.
type MonitorModel struct {
	URL        string
	Interval   time.Duration
	Paused     bool
	Connecting bool
	Err        error
	Readings   []Reading
	Changed    map[string]bool
	LastSample time.Time
	Samples    int

	Width         int
	Height        int
	Spinner       spinner.Model
	Help          help.Model
	Keys          monitorKeyMap
	BackRequested bool

	connect Connector
	src     Source
	// seq discards ticks and samples from before a pause or refresh.
	seq int
}

// NewMonitorModel creates a monitor for url.
func NewMonitorModel(url string, connect Connector, interval time.Duration) MonitorModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return MonitorModel{
		URL:        url,
		Interval:   clampInterval(interval),
		Connecting: true,
		Changed:    map[string]bool{},
		Spinner:    s,
		Help:       help.New(),
		Keys: monitorKeyMap{
			Pause:   key.NewBinding(key.WithKeys("p", " "), key.WithHelp("p", "pause")),
			Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
			Faster:  key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "faster")),
			Slower:  key.NewBinding(key.WithKeys("-"), key.WithHelp("-", "slower")),
			Back:    key.NewBinding(key.WithKeys("b", "esc"), key.WithHelp("b", "gateways")),
			Quit:    key.NewBinding(key.WithKeys("q"), key.WithHelp("q", "quit")),
		},
		connect: connect,
	}
}

func clampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	}
	return d
}

func (m MonitorModel) Init() tea.Cmd {
	connect, url := m.connect, m.URL
	return tea.Batch(m.Spinner.Tick, func() tea.Msg {
		if connect == nil {
			return connectedMsg{err: fmt.Errorf("no connector")}
		}
		src, err := connect(context.Background(), url)
		return connectedMsg{src: src, err: err}
	})
}

func (m MonitorModel) sample() tea.Cmd {
	src, seq, timeout := m.src, m.seq, m.Interval*5
	if src == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		readings, err := src.Sample(ctx)
		return sampleMsg{seq: seq, readings: readings, err: err, at: time.Now()}
	}
}

func (m MonitorModel) tick() tea.Cmd {
	seq := m.seq
	return tea.Tick(m.Interval, func(time.Time) tea.Msg { return tickMsg{seq: seq} })
}

func (m MonitorModel) Update(msg tea.Msg) (MonitorModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case connectedMsg:
		m.Connecting = false
		if msg.err != nil {
			m.Err = msg.err
			return m, nil
		}
		m.src = msg.src
		return m, m.sample()

	case sampleMsg:
		if msg.seq != m.seq {
			return m, nil
		}
		m.Err = msg.err
		if msg.err == nil {
			m.record(msg.readings, msg.at)
		}
		if m.Paused {
			return m, nil
		}
		return m, m.tick()

	case tickMsg:
		if msg.seq != m.seq || m.Paused {
			return m, nil
		}
		return m, m.sample()

	case spinner.TickMsg:
		if !m.Connecting {
			return m, nil
		}
		var cmd tea.Cmd
		m.Spinner, cmd = m.Spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.Keys.Pause):
			m.Paused = !m.Paused
			m.seq++
			if !m.Paused {
				return m, m.sample()
			}
		case key.Matches(msg, m.Keys.Refresh):
			m.seq++
			return m, m.sample()
		case key.Matches(msg, m.Keys.Faster):
			m.Interval = clampInterval(m.Interval / 2)
		case key.Matches(msg, m.Keys.Slower):
			m.Interval = clampInterval(m.Interval * 2)
		case key.Matches(msg, m.Keys.Back):
			m.BackRequested = true
		}
	}
	return m, nil
}

func (m *MonitorModel) record(readings []Reading, at time.Time) {
	prev := make(map[string]string, len(m.Readings))
	for _, r := range m.Readings {
		prev[r.Name] = r.Value
	}
	changed := make(map[string]bool)
	for _, r := range readings {
		if old, ok := prev[r.Name]; ok && r.Err == nil && old != r.Value {
			changed[r.Name] = true
		}
	}
	m.Readings = readings
	m.Changed = changed
	m.LastSample = at
	m.Samples++
}

// Close releases the connection.
func (m *MonitorModel) Close() {
	if m.src != nil {
		_ = m.src.Close()
		m.src = nil
	}
}

func (m MonitorModel) View() string {
	var b strings.Builder
	b.WriteString("\n")

	switch {
	case m.Connecting:
		b.WriteString("  " + m.Spinner.View() + " Connecting to " + m.URL + "\n")
	case m.src == nil && m.Err != nil:
		b.WriteString(RenderError("Connection failed: " + m.Err.Error()))
		b.WriteString("\n")
	default:
		b.WriteString("  " + m.statusLine() + "\n\n")
		b.WriteString(m.renderTable())
		b.WriteString("\n")
		if m.Err != nil {
			b.WriteString("\n")
			b.WriteString(RenderError("Sample failed: " + m.Err.Error()))
			b.WriteString("\n")
		}
	}
	return RenderApplicationContainer(b.String(), m.Help.View(m.Keys), m.URL, m.Width, m.Height)
}

func (m MonitorModel) statusLine() string {
	state := StatusOKStyle.Render("● LIVE")
	if m.Paused {
		state = StatusPausedStyle.Render("■ PAUSED")
	}
	last := "never"
	if !m.LastSample.IsZero() {
		last = m.LastSample.Format("15:04:05.000")
	}
	return fmt.Sprintf("%s  every %s  •  %d samples  •  last %s", state, m.Interval, m.Samples, last)
}

func (m MonitorModel) renderTable() string {
	rows := make([][]string, 0, len(m.Readings))
	for _, r := range m.Readings {
		value := r.Value
		if r.Err != nil {
			value = r.Err.Error()
		}
		rows = append(rows, []string{r.Name, r.Address, value})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(SubtleColor)).
		Headers("NAME", "ADDRESS", "VALUE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			if col == 2 && row >= 0 && row < len(m.Readings) {
				r := m.Readings[row]
				switch {
				case r.Err != nil:
					return TableCellStyle.Inherit(FailedValueStyle)
				case m.Changed[r.Name]:
					return TableCellStyle.Inherit(ChangedValueStyle)
				}
			}
			return TableCellStyle
		})
	return lipgloss.NewStyle().MarginLeft(2).Render(t.Render())
}
