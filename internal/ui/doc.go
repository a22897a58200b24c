// Package ui renders terminal output for xcpctl.
//
// Components follow a "print and exit" pattern: a Header names the command
// and its parameters, a Result box reports success or failure with
// troubleshooting hints keyed by the gateway's error reason, and tables list
// symbols and peers. Firmware transfers use a live Bubble Tea progress bar
// (TransferProgress) that falls back to plain lines when stdout is not a
// terminal.
//
// Runner ties these together:
//
//	runner := ui.NewRunner(ui.RunnerConfig{
//	    Title:   "Memory Read",
//	    Command: "xcpctl read 0x20000100",
//	    Params:  []ui.Param{{Key: "Gateway", Value: url}},
//	})
//	err := runner.Run(func() ([]ui.Param, error) {
//	    r, err := c.Read(ctx, target, 32)
//	    ...
//	})
//
// Logging stays silent unless XCPGATE_LOG_LEVEL is set, so zap output does
// not interleave with the rendered boxes.
package ui
