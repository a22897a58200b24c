package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/logging"
	"github.com/muurk/xcpgate/internal/ota"
	"github.com/muurk/xcpgate/internal/protocol"
	"github.com/muurk/xcpgate/internal/registry"
	"github.com/muurk/xcpgate/internal/server"
	"github.com/muurk/xcpgate/internal/symbols"
	"github.com/muurk/xcpgate/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the gateway and accept operator and device connections.

Symbol tables persisted with 'xcpgate symbols extract --save' are loaded at
startup. Images passed with --image are extracted on the spot, saved to the
catalog, and the first of them becomes the default for sessions that do not
name an image.`,
	Example: `  # Plain WebSocket on the default port
  xcpgate serve

  # Load symbols from a firmware build and advertise via mDNS
  xcpgate serve --image build/app.elf --advertise

  # TLS with your own certificate
  xcpgate serve --cert fullchain.pem --key privkey.pem --port 8443`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("host", "", "Listen address (empty = all interfaces)")
	f.Int("port", 8765, "Listen port")
	f.String("cert", "", "TLS certificate file")
	f.String("key", "", "TLS private key file")
	f.Bool("advertise", false, "Advertise the gateway via mDNS")
	f.String("instance", "xcpgate", "mDNS instance name")
	f.StringSlice("image", nil, "Firmware image (ELF) to extract symbols from; repeatable")
	f.String("store", "", "Symbol catalog database (default ~/.config/xcpgate/symbols.db)")
	f.Duration("memory-timeout", 0, "Device reply timeout for memory accesses")
	f.Int("chunk-size", 0, "Default OTA chunk size in bytes")
}

var serveFlagKeys = map[string]string{
	"host":           "server.host",
	"port":           "server.port",
	"cert":           "server.cert",
	"key":            "server.key",
	"advertise":      "server.advertise",
	"instance":       "server.instance",
	"image":          "symbols.images",
	"store":          "symbols.store",
	"memory-timeout": "memory.timeout",
	"chunk-size":     "ota.chunk_size",
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd, serveFlagKeys)
	if err != nil {
		return err
	}
	if err := initLogging(cfg.LogLevel); err != nil {
		return err
	}
	defer logging.Sync()

	logging.Info("Starting xcpgate",
		zap.String("version", version.Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("tls", cfg.Server.TLS()),
	)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	catalog, err := loadCatalog(cfg, store)
	if err != nil {
		return err
	}

	reg := registry.New(0)
	engine := protocol.NewEngine(protocol.Options{
		Registry:      reg,
		Catalog:       catalog,
		MemoryTimeout: cfg.Memory.Timeout,
		OTA:           otaConfig(cfg.OTA),
		Observer:      logging.ZapObserver{},
	})
	defer engine.Close()

	srv, err := server.New(server.Options{
		Config:   cfg.Server,
		Registry: reg,
		Engine:   engine,
		Observer: logging.ZapObserver{},
		Version:  version.Version,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}

func openStore(cfg *config.Config) (*symbols.Store, error) {
	path := cfg.Symbols.StorePath
	if path == "" {
		p, err := config.DefaultStorePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	path, err := config.ExpandPath(path)
	if err != nil {
		return nil, err
	}
	store, err := symbols.OpenStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol catalog: %w", err)
	}
	return store, nil
}

func newExtractor(cfg *config.Config) (*symbols.Extractor, error) {
	if len(cfg.Symbols.Exclude) > 0 {
		return symbols.NewExtractor(cfg.Symbols.Exclude)
	}
	return symbols.NewDefaultExtractor(nil)
}

// loadCatalog preloads persisted tables, then extracts configured images.
func loadCatalog(cfg *config.Config, store *symbols.Store) (*symbols.Catalog, error) {
	catalog := symbols.NewCatalog(store)
	n, err := catalog.Preload()
	if err != nil {
		return nil, fmt.Errorf("failed to load symbol catalog: %w", err)
	}
	logging.Info("Symbol catalog loaded", zap.Int("tables", n))

	if len(cfg.Symbols.Images) == 0 {
		return catalog, nil
	}

	x, err := newExtractor(cfg)
	if err != nil {
		return nil, err
	}
	for i, path := range cfg.Symbols.Images {
		path, err := config.ExpandPath(path)
		if err != nil {
			return nil, err
		}
		t, err := x.ExtractFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", path, err)
		}
		if err := catalog.Add(t); err != nil {
			return nil, err
		}
		if i == 0 {
			if err := catalog.SetDefault(t.ImageID); err != nil {
				return nil, err
			}
		}
		logging.Info("Symbols extracted",
			zap.String("image", t.Image),
			zap.String("image_id", t.ImageID),
			zap.Int("symbols", t.Len()),
		)
	}
	return catalog, nil
}

func otaConfig(c config.OTAConfig) ota.Config {
	return ota.Config{
		ChunkSize:     c.ChunkSize,
		ChunkTimeout:  c.ChunkTimeout,
		MaxRetries:    c.MaxRetries,
		VerifyTimeout: c.VerifyTimeout,
		ResumeWindow:  c.ResumeWindow,
	}
}
