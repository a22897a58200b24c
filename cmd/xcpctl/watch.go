package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/discovery"
	"github.com/muurk/xcpgate/internal/tui"
)

var (
	watchInterval time.Duration
	watchPick     bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <address|symbol>...",
	Short: "Live view of memory locations",
	Long: `Sample memory locations at a fixed interval in a full-screen view.

Values that changed since the previous sample are highlighted. With --pick
the gateway is chosen from an mDNS scan first.`,
	Example: `  xcpctl watch motor_speed motor_mode --image app
  xcpctl watch 0x20000010 --size 16 --interval 200ms --pick`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", tui.DefaultInterval, "Sampling interval")
	watchCmd.Flags().BoolVar(&watchPick, "pick", false, "Choose the gateway from an mDNS scan")
	watchCmd.Flags().IntVarP(&accessSize, "size", "s", 0, "Access width in bits for addresses")
	watchCmd.Flags().StringVar(&imageRef, "image", "", "Symbol image for the session")
}

// watchSource reads every target once per sample on one session.
type watchSource struct {
	c       *client.Client
	targets []client.Target
	size    int
}

func (w *watchSource) Sample(ctx context.Context) ([]tui.Reading, error) {
	readings := make([]tui.Reading, 0, len(w.targets))
	for _, t := range w.targets {
		r, err := w.c.Read(ctx, t, w.size)
		if err != nil {
			var re *client.RemoteError
			if !errors.As(err, &re) {
				return nil, err
			}
			readings = append(readings, tui.Reading{Name: t.String(), Address: t.Add, Err: err})
			continue
		}
		readings = append(readings, tui.Reading{Name: t.String(), Address: r.String("add"), Value: r.String("value")})
	}
	return readings, nil
}

func (w *watchSource) Close() error {
	_ = w.c.End(context.Background())
	return w.c.Close()
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	targets := make([]client.Target, 0, len(args))
	for _, a := range args {
		targets = append(targets, parseTarget(a))
	}

	opts := tui.Options{
		Interval:    watchInterval,
		ScanTimeout: discovery.DefaultScanTimeout,
		Scan: func(ctx context.Context) ([]*discovery.Gateway, error) {
			return discovery.NewScanner().Scan(ctx)
		},
		Connect: func(ctx context.Context, url string) (tui.Source, error) {
			c, err := client.Dial(ctx, url, client.Options{
				ConID:    cfg.Client.ConID,
				Timeout:  cfg.Client.Timeout,
				Insecure: insecure,
			})
			if err != nil {
				return nil, err
			}
			if _, err := c.Init(ctx, imageRef); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("init failed: %w", err)
			}
			return &watchSource{c: c, targets: targets, size: accessSize}, nil
		},
	}
	if !watchPick {
		ctx, cancel := context.WithTimeout(cmd.Context(), discovery.DefaultScanTimeout)
		defer cancel()
		if opts.URL, err = gatewayURL(ctx, cfg); err != nil {
			return err
		}
	}
	return tui.Run(opts)
}
