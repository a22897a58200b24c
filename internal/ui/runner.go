package ui

import (
	"errors"
	"io"
	"os"
	"time"
)

// RemoteReason is implemented by errors that carry a gateway reason.
type RemoteReason interface {
	error
	RemoteReason() string
}

// RunnerConfig describes a command for the header and result box.
type RunnerConfig struct {
	Title   string
	Command string
	Params  []Param
	Output  io.Writer
	Quiet   bool // skip the header
}

// Runner prints header, runs an operation and prints its result.
type Runner struct {
	config  RunnerConfig
	printer *Printer
}

// NewRunner creates a runner.
func NewRunner(config RunnerConfig) *Runner {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	return &Runner{config: config, printer: NewPrinter(config.Output)}
}

// Printer exposes the runner's printer to the operation.
func (r *Runner) Printer() *Printer {
	return r.printer
}

// Run executes op. Details returned by op go into the success box; the
// duration is appended. Failures get hints looked up by gateway reason.
func (r *Runner) Run(op func() ([]Param, error)) error {
	if !r.config.Quiet {
		r.printer.PrintHeader(r.config.Title, r.config.Command, r.config.Params...)
	}

	start := time.Now()
	details, err := op()
	elapsed := Param{Key: "Duration", Value: time.Since(start).Round(time.Millisecond).String()}

	if err != nil {
		var hints []string
		var rr RemoteReason
		if errors.As(err, &rr) {
			hints = Hints(rr.RemoteReason())
		}
		r.printer.PrintError(r.config.Title+" failed", err, hints)
		return err
	}
	r.printer.PrintSuccess(r.config.Title, append(details, elapsed)...)
	return nil
}
