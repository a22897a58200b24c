package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// ResultType selects the box color and title marker.
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
	ResultWarning
)

// Result is the box printed when a command finishes.
type Result struct {
	Type    ResultType
	Title   string
	Details []Param
	Error   error
	Hints   []string // troubleshooting tips, failures only
	Width   int
}

// NewSuccessResult creates a success box.
func NewSuccessResult(title string, details ...Param) *Result {
	return &Result{Type: ResultSuccess, Title: title, Details: details, Width: GetTerminalWidth()}
}

// NewFailureResult creates a failure box.
func NewFailureResult(title string, err error, hints []string) *Result {
	return &Result{Type: ResultFailure, Title: title, Error: err, Hints: hints, Width: GetTerminalWidth()}
}

// NewWarningResult creates a warning box.
func NewWarningResult(title string, details ...Param) *Result {
	return &Result{Type: ResultWarning, Title: title, Details: details, Width: GetTerminalWidth()}
}

// SetWidth overrides the render width.
func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

// AddDetail appends a detail line.
func (r *Result) AddDetail(key, value string) *Result {
	r.Details = append(r.Details, Param{Key: key, Value: value})
	return r
}

// Render returns the styled box.
func (r *Result) Render() string {
	width := clampWidth(r.Width)

	var (
		title string
		color lipgloss.Color
	)
	switch r.Type {
	case ResultFailure:
		title = ErrorTitleStyle.Render(fmt.Sprintf(" %s  FAILED  ─  %s", FailureMarker, r.Title))
		color = ErrorColor
	case ResultWarning:
		title = WarningTitleStyle.Render(fmt.Sprintf(" %s  WARNING  ─  %s", WarningMarker, r.Title))
		color = WarningColor
	default:
		title = SuccessTitleStyle.Render(fmt.Sprintf(" %s  SUCCESS  ─  %s", SuccessMarker, r.Title))
		color = SuccessColor
	}

	lines := []string{"", title, ""}
	for _, d := range r.Details {
		lines = append(lines, ResultKeyStyle.Render(" "+d.Key+":")+" "+ResultValueStyle.Render(d.Value))
	}
	if len(r.Details) > 0 {
		lines = append(lines, "")
	}
	if r.Error != nil {
		lines = append(lines, ErrorMessageStyle.Render(" Error: "+r.Error.Error()), "")
	}
	if len(r.Hints) > 0 {
		lines = append(lines, r.renderHints(width), "")
	}

	return boxStyle(color, width).Render(strings.Join(lines, "\n"))
}

func (r *Result) renderHints(width int) string {
	lines := []string{HintTitleStyle.Render("Troubleshooting:"), ""}
	for _, tip := range r.Hints {
		lines = append(lines, HintItemStyle.Render("  • "+tip))
	}

	inner := width - 12
	if inner < 40 {
		inner = 40
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Width(inner).
		Padding(0, 1).
		MarginLeft(1).
		Render(strings.Join(lines, "\n"))
}

func (r *Result) String() string {
	return r.Render()
}

var hints = map[string][]string{
	"device_unavailable": {
		"Check that the device gateway is connected to /device",
		"Run: xcpctl status",
	},
	"timeout": {
		"The device did not answer in time",
		"Raise memory.timeout in the gateway config if the target is slow",
	},
	"unknown_session": {
		"Sessions are per connection; init again on this connection",
	},
	"session_conflict": {
		"Another connection holds this con_id; pick a different --con-id",
	},
	"unknown_symbol": {
		"List available names with: xcpctl symbols",
		"Check the gateway loaded the right image (serve --image)",
	},
	"unknown_image": {
		"List images known to the gateway with: xcpgate symbols list",
	},
	"busy": {
		"An access to this address is already in flight; retry once it completes",
	},
	"value_out_of_range": {
		"0b literals need exactly size digits; decimals must fit size bits",
	},
	"chunk_ack_timeout": {
		"The device stopped acknowledging chunks",
		"Try a smaller --chunk-size, then: xcpctl ota resume",
	},
	"checksum_mismatch": {
		"The device assembled a different image; push it again",
	},
	"connection_lost": {
		"The transfer was paused too long and expired; push it again",
	},
	"no_resumable_transfer": {
		"Only a paused transfer can be resumed; check: xcpctl ota status",
	},
}

// Hints returns troubleshooting tips for a gateway error reason.
func Hints(reason string) []string {
	return hints[reason]
}
