package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "xcpgate"
	configName = "config"
	configFile = "config.yaml"
	storeFile  = "symbols.db"

	// EnvPrefix prefixes every environment override, e.g. XCPGATE_OTA_CHUNK_SIZE.
	EnvPrefix = "XCPGATE"
)

// Mutex for thread-safe file operations
var fileMutex sync.Mutex

// GetConfigDir returns the OS-appropriate configuration directory for the application.
// This follows platform conventions:
//   - Linux: $XDG_CONFIG_HOME/xcpgate or $HOME/.config/xcpgate
//   - macOS: $HOME/.config/xcpgate
//   - Windows: %LOCALAPPDATA%\xcpgate
func GetConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, appName), nil
		}
		userProfile := os.Getenv("USERPROFILE")
		if userProfile == "" {
			return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
		}
		return filepath.Join(userProfile, "AppData", "Local", appName), nil

	case "darwin":
		homeDir, err := homedir.Dir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil

	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		homeDir, err := homedir.Dir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(homeDir, ".config", appName), nil
	}
}

// GetConfigPath returns the full path to the default configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// DefaultStorePath returns the default sqlite symbol catalog path.
func DefaultStorePath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, storeFile), nil
}

// ExpandPath expands a leading "~" to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	return homedir.Expand(path)
}

// LoadOptions selects the configuration sources for Load.
type LoadOptions struct {
	// Path is an explicit config file. Empty means the default location,
	// where a missing file is not an error.
	Path string

	// Flags are bound on top of file and environment values.
	Flags *pflag.FlagSet

	// FlagKeys maps flag names to config keys, e.g. "port" -> "server.port".
	FlagKeys map[string]string
}

// Load builds the configuration from defaults, the YAML file, XCPGATE_*
// environment variables and command-line flags, in increasing precedence.
func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Path != "" {
		path, err := ExpandPath(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		if dir, err := GetConfigDir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if opts.Flags != nil {
		for name, key := range opts.FlagKeys {
			flag := opts.Flags.Lookup(name)
			if flag == nil {
				return nil, fmt.Errorf("unknown flag %q bound to %q", name, key)
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %q: %w", name, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("log_level", d.LogLevel)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.cert", d.Server.CertPath)
	v.SetDefault("server.key", d.Server.KeyPath)
	v.SetDefault("server.advertise", d.Server.Advertise)
	v.SetDefault("server.instance", d.Server.Instance)
	v.SetDefault("server.max_message_size", d.Server.MaxMessageSize)
	v.SetDefault("server.write_wait", d.Server.WriteWait)
	v.SetDefault("server.pong_wait", d.Server.PongWait)

	v.SetDefault("memory.timeout", d.Memory.Timeout)

	v.SetDefault("ota.chunk_size", d.OTA.ChunkSize)
	v.SetDefault("ota.chunk_timeout", d.OTA.ChunkTimeout)
	v.SetDefault("ota.max_retries", d.OTA.MaxRetries)
	v.SetDefault("ota.verify_timeout", d.OTA.VerifyTimeout)
	v.SetDefault("ota.resume_window", d.OTA.ResumeWindow)

	v.SetDefault("symbols.store", d.Symbols.StorePath)
	v.SetDefault("symbols.images", d.Symbols.Images)
	v.SetDefault("symbols.exclude", d.Symbols.Exclude)

	v.SetDefault("client.url", d.Client.URL)
	v.SetDefault("client.timeout", d.Client.Timeout)
	v.SetDefault("client.con_id", d.Client.ConID)
	v.SetDefault("client.history_file", d.Client.HistoryFile)
}

// Save writes the configuration as YAML to path.
// Performs an atomic write to prevent corruption on crash.
func (c *Config) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.YAML()
	if err != nil {
		return err
	}

	header := []byte(`# xcpgate configuration
# Every key can be overridden with an XCPGATE_* environment variable,
# e.g. XCPGATE_OTA_CHUNK_SIZE=512, or with the matching command-line flag.

`)
	data = append(header, data...)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// YAML encodes the configuration in the on-disk layout.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(newDocument(c))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// CreateDefaultConfig writes the built-in defaults to path, or to the default
// location when path is empty. Existing files are left untouched.
func CreateDefaultConfig(path string) (string, error) {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return "", err
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil {
		return path, fmt.Errorf("config file already exists: %s", path)
	}
	return path, Default().Save(path)
}

// document is the on-disk layout. Durations are written as strings ("3s")
// so the file stays readable; viper decodes them back into time.Duration.
type document struct {
	Version  int    `yaml:"version"`
	LogLevel string `yaml:"log_level"`
	Server   struct {
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		Cert           string `yaml:"cert,omitempty"`
		Key            string `yaml:"key,omitempty"`
		Advertise      bool   `yaml:"advertise"`
		Instance       string `yaml:"instance"`
		MaxMessageSize int64  `yaml:"max_message_size"`
		WriteWait      string `yaml:"write_wait"`
		PongWait       string `yaml:"pong_wait"`
	} `yaml:"server"`
	Memory struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"memory"`
	OTA struct {
		ChunkSize     int    `yaml:"chunk_size"`
		ChunkTimeout  string `yaml:"chunk_timeout"`
		MaxRetries    int    `yaml:"max_retries"`
		VerifyTimeout string `yaml:"verify_timeout"`
		ResumeWindow  string `yaml:"resume_window"`
	} `yaml:"ota"`
	Symbols struct {
		Store   string   `yaml:"store,omitempty"`
		Images  []string `yaml:"images,omitempty"`
		Exclude []string `yaml:"exclude,omitempty"`
	} `yaml:"symbols"`
	Client struct {
		URL         string `yaml:"url"`
		Timeout     string `yaml:"timeout"`
		ConID       string `yaml:"con_id"`
		HistoryFile string `yaml:"history_file"`
	} `yaml:"client"`
}

func newDocument(c *Config) *document {
	d := &document{Version: c.Version, LogLevel: c.LogLevel}

	d.Server.Host = c.Server.Host
	d.Server.Port = c.Server.Port
	d.Server.Cert = c.Server.CertPath
	d.Server.Key = c.Server.KeyPath
	d.Server.Advertise = c.Server.Advertise
	d.Server.Instance = c.Server.Instance
	d.Server.MaxMessageSize = c.Server.MaxMessageSize
	d.Server.WriteWait = c.Server.WriteWait.String()
	d.Server.PongWait = c.Server.PongWait.String()

	d.Memory.Timeout = c.Memory.Timeout.String()

	d.OTA.ChunkSize = c.OTA.ChunkSize
	d.OTA.ChunkTimeout = c.OTA.ChunkTimeout.String()
	d.OTA.MaxRetries = c.OTA.MaxRetries
	d.OTA.VerifyTimeout = c.OTA.VerifyTimeout.String()
	d.OTA.ResumeWindow = c.OTA.ResumeWindow.String()

	d.Symbols.Store = c.Symbols.StorePath
	d.Symbols.Images = c.Symbols.Images
	d.Symbols.Exclude = c.Symbols.Exclude

	d.Client.URL = c.Client.URL
	d.Client.Timeout = c.Client.Timeout.String()
	d.Client.ConID = c.Client.ConID
	d.Client.HistoryFile = c.Client.HistoryFile
	return d
}
