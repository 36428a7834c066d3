package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Listen != ":7669" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.UPnPCallback != ":7670" {
		t.Errorf("upnp callback = %q", cfg.Server.UPnPCallback)
	}
	if cfg.Discovery.Timeout() != 5*time.Second {
		t.Errorf("discovery timeout = %s", cfg.Discovery.Timeout())
	}
	if cfg.Streamer.Type != "streammagic" {
		t.Errorf("streamer type = %q", cfg.Streamer.Type)
	}
	if cfg.Streamer.MPD.Host != "localhost" || cfg.Streamer.MPD.Port != 6600 {
		t.Errorf("mpd = %+v", cfg.Streamer.MPD)
	}
	if cfg.Store.Path != "vibin.db" {
		t.Errorf("store path = %q", cfg.Store.Path)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadMissingNamedFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error for missing named file")
	}
}

func TestLoadOverlaysFileOnDefaults(t *testing.T) {
	const body = `
[server]
listen = ":8080"

[streamer]
type = "mpd"
identifier = "office"

[streamer.mpd]
host = "10.0.0.9"

[amplifier]
enabled = true
identifier = "192.168.1.40"
`
	path := filepath.Join(t.TempDir(), "vibin.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Streamer.Type != "mpd" || cfg.Streamer.Identifier != "office" {
		t.Errorf("streamer = %+v", cfg.Streamer)
	}
	if cfg.Streamer.MPD.Host != "10.0.0.9" {
		t.Errorf("mpd host = %q", cfg.Streamer.MPD.Host)
	}
	if !cfg.Amplifier.Enabled || cfg.Amplifier.Identifier != "192.168.1.40" {
		t.Errorf("amplifier = %+v", cfg.Amplifier)
	}

	// Unset values keep their defaults.
	if cfg.Server.UPnPCallback != ":7670" {
		t.Errorf("upnp callback lost its default: %q", cfg.Server.UPnPCallback)
	}
	if cfg.Streamer.MPD.Port != 6600 {
		t.Errorf("mpd port lost its default: %d", cfg.Streamer.MPD.Port)
	}
	if cfg.Store.Path != "vibin.db" {
		t.Errorf("store path lost its default: %q", cfg.Store.Path)
	}
}

func TestLoadRejectsGarbledFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("[server\nlisten = "), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadMalformedPortType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badport.toml")
	if err := os.WriteFile(path, []byte("[streamer.mpd]\nport = \"not-a-number\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected type error for string port")
	}
}
