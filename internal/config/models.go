package config

import (
	"fmt"
	"time"
)

// CurrentVersion is the config file schema version.
const CurrentVersion = 1

// Config is the complete gateway and client configuration.
type Config struct {
	Version  int           `mapstructure:"version"`
	LogLevel string        `mapstructure:"log_level"`
	Server   ServerConfig  `mapstructure:"server"`
	Memory   MemoryConfig  `mapstructure:"memory"`
	OTA      OTAConfig     `mapstructure:"ota"`
	Symbols  SymbolsConfig `mapstructure:"symbols"`
	Client   ClientConfig  `mapstructure:"client"`
}

// ServerConfig controls the WebSocket listener.
type ServerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	CertPath string `mapstructure:"cert"`
	KeyPath  string `mapstructure:"key"`

	// Advertise registers the gateway via mDNS under Instance.
	Advertise bool   `mapstructure:"advertise"`
	Instance  string `mapstructure:"instance"`

	// MaxMessageSize is the largest inbound frame in bytes.
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
}

// MemoryConfig controls the memory access coordinator.
type MemoryConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// OTAConfig controls firmware transfers.
type OTAConfig struct {
	ChunkSize     int           `mapstructure:"chunk_size"`
	ChunkTimeout  time.Duration `mapstructure:"chunk_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	ResumeWindow  time.Duration `mapstructure:"resume_window"`
}

// SymbolsConfig controls symbol extraction and the persisted catalog.
type SymbolsConfig struct {
	StorePath string   `mapstructure:"store"`   // sqlite catalog path, empty = config dir
	Images    []string `mapstructure:"images"`  // firmware images extracted at startup
	Exclude   []string `mapstructure:"exclude"` // overrides the embedded exclusion patterns
}

// ClientConfig controls xcpctl.
type ClientConfig struct {
	URL         string        `mapstructure:"url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	ConID       string        `mapstructure:"con_id"`
	HistoryFile string        `mapstructure:"history_file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version:  CurrentVersion,
		LogLevel: "info",
		Server: ServerConfig{
			Port:           8765,
			Instance:       "xcpgate",
			MaxMessageSize: 8 << 20,
			WriteWait:      10 * time.Second,
			PongWait:       60 * time.Second,
		},
		Memory: MemoryConfig{
			Timeout: 3 * time.Second,
		},
		OTA: OTAConfig{
			ChunkSize:     1024,
			ChunkTimeout:  2 * time.Second,
			MaxRetries:    3,
			VerifyTimeout: 10 * time.Second,
			ResumeWindow:  2 * time.Minute,
		},
		Client: ClientConfig{
			URL:         "ws://localhost:8765/ws",
			Timeout:     10 * time.Second,
			ConID:       "01",
			HistoryFile: "~/.xcpctl_history",
		},
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// TLS reports whether certificate files are configured.
func (s ServerConfig) TLS() bool {
	return s.CertPath != "" && s.KeyPath != ""
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if (c.Server.CertPath == "") != (c.Server.KeyPath == "") {
		return fmt.Errorf("server.cert and server.key must be provided together")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}
	if c.Memory.Timeout <= 0 {
		return fmt.Errorf("memory.timeout must be positive")
	}
	if c.OTA.ChunkSize <= 0 || c.OTA.ChunkSize > 64*1024 {
		return fmt.Errorf("ota.chunk_size %d out of range (1..65536)", c.OTA.ChunkSize)
	}
	if c.OTA.MaxRetries < 0 {
		return fmt.Errorf("ota.max_retries must not be negative")
	}
	if c.OTA.ChunkTimeout <= 0 || c.OTA.VerifyTimeout <= 0 {
		return fmt.Errorf("ota timeouts must be positive")
	}
	if c.OTA.ResumeWindow < 0 {
		return fmt.Errorf("ota.resume_window must not be negative")
	}
	return nil
}
