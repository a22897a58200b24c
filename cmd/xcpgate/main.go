// Xcpgate is the memory inspection and firmware update gateway.
//
// It accepts operator clients on /ws and one device gateway on /device,
// translates JSON commands into correlated memory accesses against the
// target, and pushes firmware images in verified, resumable chunks.
//
// Usage:
//
//	xcpgate serve [flags]
//	xcpgate symbols extract <image.elf>...
//	xcpgate simulate --url ws://localhost:8765/device
//
// See 'xcpgate --help' for all commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "xcpgate",
	Short: "Memory inspection and OTA gateway",
	Long: `A JSON-over-WebSocket gateway for inspecting and modifying live memory of an
embedded target and for pushing firmware updates to it.

Operators connect to /ws (see xcpctl), the device gateway connects to /device.
Symbol tables extracted from the firmware's DWARF debug info let operators
address variables by name.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/xcpgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the layered configuration and binds the given flags.
func loadConfig(cmd *cobra.Command, flagKeys map[string]string) (*config.Config, error) {
	keys := map[string]string{"log-level": "log_level"}
	for k, v := range flagKeys {
		keys[k] = v
	}
	cfg, err := config.Load(config.LoadOptions{
		Path:     configPath,
		Flags:    cmd.Flags(),
		FlagKeys: keys,
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// initLogging uses the configured level for long-running commands and stays
// silent for one-shot commands unless XCPGATE_LOG_LEVEL or --log-level is set.
func initLogging(level string) error {
	if err := logging.Initialize(level); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Line("xcpgate"))
	},
}
