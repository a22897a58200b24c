// Package config provides configuration for the xcpgate server and the xcpctl client.
//
// Values are layered in increasing precedence:
//
//  1. Built-in defaults (Default)
//  2. The YAML config file
//  3. XCPGATE_* environment variables (dots become underscores,
//     e.g. XCPGATE_MEMORY_TIMEOUT=5s)
//  4. Command-line flags bound through LoadOptions.FlagKeys
//
// # Configuration File Location
//
// The default file lives in a platform-appropriate directory:
//   - Linux: $XDG_CONFIG_HOME/xcpgate/config.yaml or $HOME/.config/xcpgate/config.yaml
//   - macOS: $HOME/.config/xcpgate/config.yaml
//   - Windows: %LOCALAPPDATA%\xcpgate\config.yaml
//
// A missing default file is not an error. An explicit --config path must exist.
//
// # Usage Example
//
//	cfg, err := config.Load(config.LoadOptions{
//	    Path:     configPath,
//	    Flags:    cmd.Flags(),
//	    FlagKeys: map[string]string{"port": "server.port"},
//	})
//	if err != nil {
//	    return err
//	}
//
// Write a starter file with CreateDefaultConfig.
package config
