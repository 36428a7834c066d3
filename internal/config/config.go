// Package config loads the TOML configuration file and applies defaults.
// Every value can also be set by flag; flags win over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full runtime configuration.
type Config struct {
	Server      Server      `toml:"server"`
	Discovery   Discovery   `toml:"discovery"`
	Streamer    Streamer    `toml:"streamer"`
	MediaServer MediaServer `toml:"media_server"`
	Amplifier   Amplifier   `toml:"amplifier"`
	Store       Store       `toml:"store"`
}

// Server configures the HTTP/WebSocket listener and the UPnP callback
// endpoint.
type Server struct {
	Listen       string `toml:"listen"`
	UPnPCallback string `toml:"upnp_callback"`
}

// Discovery configures device resolution.
type Discovery struct {
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// Timeout returns the discovery timeout as a duration.
func (d Discovery) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// Streamer selects and addresses the playback device. Type is normally
// resolved from discovery; setting it overrides detection ("streammagic" or
// "mpd").
type Streamer struct {
	Type       string `toml:"type"`
	Identifier string `toml:"identifier"` // hostname, friendly name, or description URL
	MPD        MPD    `toml:"mpd"`
}

// MPD addresses an MPD daemon when the streamer type is "mpd".
type MPD struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
}

// MediaServer addresses the local media library device.
type MediaServer struct {
	Identifier string `toml:"identifier"`
}

// Amplifier addresses an optional external amplifier.
type Amplifier struct {
	Enabled    bool   `toml:"enabled"`
	Identifier string `toml:"identifier"` // hostname
}

// Store locates the embedded database.
type Store struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Listen:       ":7669",
			UPnPCallback: ":7670",
		},
		Discovery: Discovery{
			TimeoutSeconds: 5,
		},
		Streamer: Streamer{
			Type: "streammagic",
			MPD:  MPD{Host: "localhost", Port: 6600},
		},
		Store: Store{
			Path: "vibin.db",
		},
	}
}

// Load reads a TOML config file over the defaults. An empty path returns the
// defaults; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}
