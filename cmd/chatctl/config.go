package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config is the chatctl configuration file.
type Config struct {
	Server string `toml:"server"`
	// WSURL overrides the socket endpoint derived from Server.
	WSURL string `toml:"ws_url,omitempty"`
	Token string `toml:"token"`

	Typing TypingConfig `toml:"typing"`
}

type TypingConfig struct {
	Debounce Duration `toml:"debounce"`
	AutoStop Duration `toml:"auto_stop"`
	Expiry   Duration `toml:"expiry"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func defaultConfig() *Config {
	return &Config{
		Server: "http://localhost:8080",
		Typing: TypingConfig{
			Debounce: Duration{300 * time.Millisecond},
			AutoStop: Duration{3 * time.Second},
			Expiry:   Duration{5 * time.Second},
		},
	}
}

// LoadConfig reads path. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg to path with owner-only permissions since it holds
// the token.
func (c *Config) SaveConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// SocketURL returns the hub endpoint.
func (c *Config) SocketURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// defaultConfigPath is $XDG_CONFIG_HOME/chatctl/config.toml.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "chatctl", "config.toml")
}
