package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/devicesim"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/memory"
)

var (
	simURL     string
	simSet     []string
	simProtect []string
	simRetry   time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated device gateway",
	Long: `Connect to a gateway's /device endpoint as a simulated target.

The simulator keeps a sparse RAM map, answers mem_read and mem_write the
way the bench SPI gateway does, and receives OTA images. Use it to exercise
xcpctl without hardware.`,
	Example: `  xcpgate simulate
  xcpgate simulate --set 0x20000100=42 --protect 0x08000000`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simURL, "url", "ws://localhost:8765/device", "Gateway device endpoint")
	f.StringSliceVar(&simSet, "set", nil, "Initial value, addr=value; repeatable")
	f.StringSliceVar(&simProtect, "protect", nil, "Address whose writes fail; repeatable")
	f.DurationVar(&simRetry, "retry", 2*time.Second, "Reconnect interval")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	level := logLevel
	if level == "" {
		level = "info"
	}
	if err := initLogging(level); err != nil {
		return err
	}
	defer logging.Sync()

	d := devicesim.New(devicesim.Options{})
	for _, kv := range simSet {
		addr, value, err := parseAssignment(kv)
		if err != nil {
			return err
		}
		d.Set(addr, value)
	}
	for _, a := range simProtect {
		addr, err := memory.ParseAddress(a)
		if err != nil {
			return fmt.Errorf("bad --protect address %q: %w", a, err)
		}
		d.Protect(addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.ServeRetry(ctx, simURL, nil, simRetry)
}

func parseAssignment(kv string) (uint64, uint64, error) {
	a, v, ok := strings.Cut(kv, "=")
	if !ok {
		return 0, 0, fmt.Errorf("bad --set %q: want addr=value", kv)
	}
	addr, err := memory.ParseAddress(a)
	if err != nil {
		return 0, 0, fmt.Errorf("bad --set address %q: %w", a, err)
	}
	value, err := memory.ParseDeviceValue(strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("bad --set value %q: %w", v, err)
	}
	return addr, value, nil
}
