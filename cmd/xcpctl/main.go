// Xcpctl is the operator client for an xcpgate gateway.
//
// It opens a session on the gateway's client endpoint and issues memory
// reads and writes by address or symbol, lists symbol tables, and pushes
// firmware images over the air.
//
// Usage:
//
//	xcpctl [command] [flags]
//
// The gateway URL comes from --url, the client section of the config file,
// or mDNS discovery with --discover.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/discovery"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	configPath string
	insecure   bool
	discover   string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "xcpctl",
	Short: "Inspect and modify target memory through xcpgate",
	Long: `Operator client for the xcpgate WebSocket gateway.

Reads and writes target memory by address or by firmware symbol, lists
symbol tables, and manages OTA firmware transfers.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitializeFromEnv()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default ~/.config/xcpgate/config.yaml)")
	pf.String("url", "", "Gateway client endpoint (default ws://localhost:8765/ws)")
	pf.String("con-id", "", "Session identifier")
	pf.Duration("timeout", 0, "Per-command timeout")
	pf.BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification")
	pf.StringVar(&discover, "discover", "", "Find the gateway by mDNS instance name")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Print raw response frames")

	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(symbolsCmd)
	rootCmd.AddCommand(otaCmd)
	rootCmd.AddCommand(shellCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

var clientFlagKeys = map[string]string{
	"url":     "client.url",
	"con-id":  "client.con_id",
	"timeout": "client.timeout",
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(config.LoadOptions{
		Path:     configPath,
		Flags:    cmd.Flags(),
		FlagKeys: clientFlagKeys,
	})
}

// gatewayURL resolves the endpoint, preferring mDNS when --discover is set.
func gatewayURL(ctx context.Context, cfg *config.Config) (string, error) {
	if discover == "" {
		return cfg.Client.URL, nil
	}
	gw, err := discovery.NewScanner().Find(ctx, discover)
	if err != nil {
		return "", err
	}
	logging.Debug("Discovered gateway", zap.String("gateway", gw.String()))
	return gw.URL(), nil
}

// connect loads the configuration and dials the gateway.
func connect(cmd *cobra.Command, onEvent func(client.Response)) (*client.Client, *config.Config, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.Timeout+discovery.DefaultScanTimeout)
	defer cancel()

	url, err := gatewayURL(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := client.Dial(ctx, url, client.Options{
		ConID:    cfg.Client.ConID,
		Timeout:  cfg.Client.Timeout,
		Insecure: insecure,
		OnEvent:  onEvent,
	})
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Line("xcpctl"))
	},
}
