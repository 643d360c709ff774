package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Server    ServerSection    `toml:"server"`
	Character CharacterSection `toml:"character"`
	Client    ClientSection    `toml:"client"`
}

type ServerSection struct {
	URL string `toml:"url"`
}

type CharacterSection struct {
	Name  string `toml:"name"`
	World uint16 `toml:"world"`
}

type ClientSection struct {
	DataDir       string `toml:"data_dir"`
	AllowInvites  bool   `toml:"allow_invites"`
	Notifications bool   `toml:"notifications"`
	LogLevel      string `toml:"log_level"`
	MetricsAddr   string `toml:"metrics_addr"`
}

// DefaultTOMLConfig returns the default client configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			URL: "wss://chat.example.com/sse",
		},
		Client: ClientSection{
			DataDir:       "~/.crosschat",
			AllowInvites:  true,
			Notifications: true,
			LogLevel:      "info",
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not
// found, and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			// Can't write, just run with defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CROSSCHAT_SECTION_KEY
// Example: CROSSCHAT_SERVER_URL=wss://localhost:14777/sse
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("CROSSCHAT_SERVER_URL"); val != "" {
		config.Server.URL = val
	}
	if val := os.Getenv("CROSSCHAT_CHARACTER_NAME"); val != "" {
		config.Character.Name = val
	}
	if val := os.Getenv("CROSSCHAT_CHARACTER_WORLD"); val != "" {
		if world, err := strconv.ParseUint(val, 10, 16); err == nil {
			config.Character.World = uint16(world)
		}
	}
	if val := os.Getenv("CROSSCHAT_CLIENT_DATA_DIR"); val != "" {
		config.Client.DataDir = val
	}
	if val := os.Getenv("CROSSCHAT_CLIENT_ALLOW_INVITES"); val != "" {
		if allowed, err := strconv.ParseBool(val); err == nil {
			config.Client.AllowInvites = allowed
		}
	}
	if val := os.Getenv("CROSSCHAT_CLIENT_NOTIFICATIONS"); val != "" {
		if enabled, err := strconv.ParseBool(val); err == nil {
			config.Client.Notifications = enabled
		}
	}
	if val := os.Getenv("CROSSCHAT_CLIENT_LOG_LEVEL"); val != "" {
		config.Client.LogLevel = val
	}
	if val := os.Getenv("CROSSCHAT_CLIENT_METRICS_ADDR"); val != "" {
		config.Client.MetricsAddr = val
	}
	return config
}

// writeDefaultConfig writes the default config to a file with all options
// documented
func writeDefaultConfig(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# CrossChat Client Configuration
# This file was auto-generated with default values
# Commented settings show available options with their defaults
#
# Environment variables can override these settings:
# CROSSCHAT_SECTION_KEY (e.g., CROSSCHAT_SERVER_URL=wss://localhost:14777/sse)

[server]
# WebSocket URL of the chat server
url = "wss://chat.example.com/sse"

[character]
# In-game character identity. Required; there is no default.
# name = "Your Name"
# world = 73

[client]
# Directory for the identity key, channel secrets and cached names
data_dir = "~/.crosschat"

# Whether other users may invite this character to channels
allow_invites = true

# Desktop notifications for incoming messages and invites
notifications = true

# Log level: debug, info, warn, error
log_level = "info"

# Expose Prometheus metrics on this address (empty = disabled)
# metrics_addr = "localhost:9090"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// GetDataDir returns the data directory with ~ expanded
func (c *TOMLConfig) GetDataDir() (string, error) {
	return ExpandPath(c.Client.DataDir)
}
