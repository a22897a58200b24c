package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// RunOnceModel is a Bubble Tea model that renders its content once and
// quits. Commands use it for "print and exit" output.
type RunOnceModel struct {
	content string
}

// NewRunOnceModel wraps content.
func NewRunOnceModel(content string) RunOnceModel {
	return RunOnceModel{content: content}
}

func (m RunOnceModel) Init() tea.Cmd {
	return tea.Quit
}

func (m RunOnceModel) Update(tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

func (m RunOnceModel) View() string {
	return m.content
}

// RenderOnce renders content through Bubble Tea and exits.
func RenderOnce(content string) error {
	p := tea.NewProgram(NewRunOnceModel(content), tea.WithOutput(os.Stdout), tea.WithInput(nil))
	_, err := p.Run()
	return err
}

// Printer writes UI components to a writer.
type Printer struct {
	out   io.Writer
	width int
}

// NewPrinter creates a Printer. A nil w selects os.Stdout.
func NewPrinter(w io.Writer) *Printer {
	if w == nil {
		w = os.Stdout
	}
	return &Printer{out: w, width: GetTerminalWidth()}
}

// Width is the render width.
func (p *Printer) Width() int {
	return p.width
}

// Writer is the underlying output.
func (p *Printer) Writer() io.Writer {
	return p.out
}

func (p *Printer) Println(content string) {
	_, _ = fmt.Fprintln(p.out, content)
}

func (p *Printer) Newline() {
	_, _ = fmt.Fprintln(p.out)
}

// PrintHeader prints a command banner.
func (p *Printer) PrintHeader(title, command string, params ...Param) {
	p.Println(NewHeader(title, command, params...).SetWidth(p.width).Render())
	p.Newline()
}

// PrintSuccess prints a success box.
func (p *Printer) PrintSuccess(title string, details ...Param) {
	p.Println(NewSuccessResult(title, details...).SetWidth(p.width).Render())
}

// PrintWarning prints a warning box.
func (p *Printer) PrintWarning(title string, details ...Param) {
	p.Println(NewWarningResult(title, details...).SetWidth(p.width).Render())
}

// PrintError prints a failure box with hints.
func (p *Printer) PrintError(title string, err error, hints []string) {
	p.Println(NewFailureResult(title, err, hints).SetWidth(p.width).Render())
}

// PrintFrame prints a raw gateway frame, pretty-printed, for verbose mode.
func (p *Printer) PrintFrame(title string, frame map[string]interface{}) {
	p.Println(RenderFrame(title, frame, p.width))
}

// PrintTable prints rows under headers.
func (p *Printer) PrintTable(headers []string, rows [][]string) {
	p.Println(RenderTable(headers, rows))
}

// RenderFrame renders a JSON frame in a muted box with sorted keys.
func RenderFrame(title string, frame map[string]interface{}, width int) string {
	keys := make([]string, 0, len(frame))
	for k := range frame {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := []string{FrameTitleStyle.Render(title)}
	for _, k := range keys {
		v, err := json.Marshal(frame[k])
		if err != nil {
			v = []byte(fmt.Sprint(frame[k]))
		}
		lines = append(lines, fmt.Sprintf("%s: %s", k, v))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Width(clampWidth(width)-4).
		Padding(0, 1).
		Render(strings.Join(lines, "\n"))
}

// RenderTable renders rows with a rounded border and a highlighted header.
func RenderTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(MutedColor)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return TableCellStyle
		})
	return t.Render()
}
