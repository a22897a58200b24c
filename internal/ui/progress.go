package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ChunkMsg reports the number of acknowledged chunks.
type ChunkMsg struct {
	Acked int
	Total int
	Note  string // e.g. "resumed", "retransmitting"
}

// doneMsg ends the progress program.
type doneMsg struct{}

// TransferModel renders a live bar for a firmware transfer.
type TransferModel struct {
	Label string
	Acked int
	Total int
	Note  string
	Width int
	bar   progress.Model
	done  bool
}

// NewTransferModel creates a model for a transfer of total chunks.
func NewTransferModel(label string, total int) TransferModel {
	m := TransferModel{Label: label, Total: total, Width: GetTerminalWidth()}
	m.bar = progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth(m.Width)))
	return m
}

func barWidth(width int) int {
	w := width - 30
	if w < 20 {
		w = 20
	}
	if w > 50 {
		w = 50
	}
	return w
}

// Percent is the acknowledged fraction.
func (m TransferModel) Percent() float64 {
	if m.Total <= 0 {
		return 0
	}
	return float64(m.Acked) / float64(m.Total)
}

func (m TransferModel) Init() tea.Cmd {
	return nil
}

func (m TransferModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ChunkMsg:
		m.Acked = msg.Acked
		if msg.Total > 0 {
			m.Total = msg.Total
		}
		m.Note = msg.Note
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.bar.Width = barWidth(msg.Width)
	case doneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m TransferModel) View() string {
	var b strings.Builder
	if m.Label != "" {
		b.WriteString(ProgressLabelStyle.Render(m.Label))
		b.WriteString("\n\n")
	}
	line := fmt.Sprintf("%s  %3.0f%%  [%d/%d]", m.bar.ViewAs(m.Percent()), m.Percent()*100, m.Acked, m.Total)
	if m.Note != "" {
		line += "  " + ProgressNoteStyle.Render("("+m.Note+")")
	}
	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(line))
	b.WriteString("\n")
	return b.String()
}

// TransferProgress drives a TransferModel from another goroutine.
type TransferProgress struct {
	program *tea.Program
	done    chan struct{}
	out     io.Writer
	plain   bool
	last    int
}

// StartTransferProgress starts rendering to out. When out is not a terminal
// progress is written as plain lines instead.
func StartTransferProgress(out io.Writer, label string, total int, plain bool) *TransferProgress {
	p := &TransferProgress{done: make(chan struct{}), out: out, plain: plain, last: -1}
	if plain {
		fmt.Fprintf(out, "%s (%d chunks)\n", label, total)
		close(p.done)
		return p
	}
	p.program = tea.NewProgram(NewTransferModel(label, total), tea.WithOutput(out), tea.WithInput(nil))
	go func() {
		defer close(p.done)
		_, _ = p.program.Run()
	}()
	return p
}

// Update reports progress.
func (p *TransferProgress) Update(acked, total int, note string) {
	if p.plain {
		if total > 0 && acked*10/total != p.last {
			p.last = acked * 10 / total
			fmt.Fprintf(p.out, "  %d/%d chunks\n", acked, total)
		}
		return
	}
	p.program.Send(ChunkMsg{Acked: acked, Total: total, Note: note})
}

// Stop ends rendering and waits for the program to exit.
func (p *TransferProgress) Stop() {
	if p.program != nil {
		p.program.Send(doneMsg{})
	}
	<-p.done
}
