package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/discovery"
	"github.com/muurk/xcpgate/internal/symbols"
	"github.com/muurk/xcpgate/internal/ui"
)

var scanTimeout time.Duration

var symbolsCmd = &cobra.Command{
	Use:   "symbols",
	Short: "List the symbols of the session image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			image string
			list  []symbols.SymbolRecord
		)
		err := withSession(cmd, func(ctx context.Context, c *client.Client) error {
			var err error
			image, list, err = c.Symbols(ctx)
			return err
		})
		if err != nil {
			return err
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		if image == "" {
			p.PrintWarning("No symbol image", ui.Param{Key: "Hint", Value: "pass --image or start the gateway with serve --image"})
			return nil
		}
		p.PrintTable([]string{"NAME", "ADDRESS", "SIZE", "TYPE", "SCOPE"}, symbolRows(list))
		p.Println(fmt.Sprintf("%d symbols in image %s", len(list), image))
		return nil
	},
}

func init() {
	symbolsCmd.Flags().StringVar(&imageRef, "image", "", "Symbol image for the session")
	discoverCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", discovery.DefaultScanTimeout, "How long to wait for answers")
}

func symbolRows(list []symbols.SymbolRecord) [][]string {
	rows := make([][]string, 0, len(list))
	for _, s := range list {
		typ := s.Type
		if s.Elements > 1 {
			typ = fmt.Sprintf("%s[%d]", s.Type, s.Elements)
		}
		rows = append(rows, []string{s.Name, s.HexAddress(), strconv.FormatUint(s.Size, 10), typ, string(s.Scope)})
	}
	return rows
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find gateways on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner := discovery.NewScanner()
		scanner.Timeout = scanTimeout
		gateways, err := scanner.Scan(cmd.Context())
		if err != nil {
			return err
		}
		p := ui.NewPrinter(cmd.OutOrStdout())
		if len(gateways) == 0 {
			p.PrintWarning("No gateways found",
				ui.Param{Key: "Scanned", Value: scanTimeout.String()},
				ui.Param{Key: "Hint", Value: "start the gateway with serve --advertise"})
			return nil
		}
		rows := make([][]string, 0, len(gateways))
		for _, gw := range gateways {
			rows = append(rows, []string{gw.Instance, gw.Hostname, gw.URL(), gw.Version})
		}
		p.PrintTable([]string{"INSTANCE", "HOST", "URL", "VERSION"}, rows)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show gateway health and connected peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Client.Timeout+discovery.DefaultScanTimeout)
		defer cancel()
		url, err := gatewayURL(ctx, cfg)
		if err != nil {
			return err
		}
		h, err := client.FetchHealth(ctx, url, insecure)
		if err != nil {
			return err
		}

		p := ui.NewPrinter(cmd.OutOrStdout())
		device := "disconnected"
		if h.DeviceConnected {
			device = "connected"
		}
		details := []ui.Param{
			{Key: "Gateway", Value: url},
			{Key: "Version", Value: h.Version},
			{Key: "Uptime", Value: h.Uptime},
			{Key: "Device", Value: device},
			{Key: "Sessions", Value: strconv.Itoa(h.Engine.Sessions)},
			{Key: "Transfers", Value: strconv.Itoa(h.Engine.ActiveTransfers)},
			{Key: "Pending accesses", Value: strconv.Itoa(h.Engine.Memory.Pending)},
			{Key: "Frames", Value: fmt.Sprintf("%d sent, %d dropped", h.FramesSent, h.FramesDropped)},
		}
		if enabled, _ := h.TLS["enabled"].(bool); enabled {
			details = append(details, ui.Param{Key: "TLS", Value: "enabled"})
		}
		if h.DeviceConnected {
			p.PrintSuccess("Gateway healthy", details...)
		} else {
			p.PrintWarning("Gateway up, no device", details...)
		}

		if len(h.Peers) > 0 {
			rows := make([][]string, 0, len(h.Peers))
			for _, peer := range h.Peers {
				rows = append(rows, []string{
					strconv.FormatUint(uint64(peer.ID), 10),
					strings.ToUpper(peer.Role),
					peer.Remote,
					time.Since(peer.Connected).Truncate(time.Second).String(),
				})
			}
			p.PrintTable([]string{"ID", "ROLE", "REMOTE", "CONNECTED"}, rows)
		}
		return nil
	},
}
