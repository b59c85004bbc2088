package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chat-relay"
	// DefaultSocketAddr is the framed-socket listen address.
	DefaultSocketAddr = ":5555"
	// DefaultHTTPAddr is the HTTP/push-channel listen address.
	DefaultHTTPAddr = ":8000"
	// DefaultMaxFrameSize bounds a single framed-socket payload (10 MB).
	DefaultMaxFrameSize = 10 * 1024 * 1024
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// RelayConfig contains persistent relay process settings.
type RelayConfig struct {
	SocketAddr   string `json:"socket_addr"`
	HTTPAddr     string `json:"http_addr"`
	StorageDir   string `json:"storage_dir"`
	MaxFrameSize int    `json:"max_frame_size"`
	// RateLimit is the default per-transfer pacing budget in bytes per
	// second. Zero disables pacing.
	RateLimit int64 `json:"rate_limit"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHAT_RELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("CHAT_RELAY_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*RelayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg RelayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *RelayConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*RelayConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *RelayConfig {
	return &RelayConfig{
		SocketAddr:   DefaultSocketAddr,
		HTTPAddr:     DefaultHTTPAddr,
		StorageDir:   filepath.Join(dataDir, "files"),
		MaxFrameSize: DefaultMaxFrameSize,
		RateLimit:    0,
	}
}

func normalizeDefaults(cfg *RelayConfig, dataDir string) bool {
	updated := false

	if cfg.SocketAddr == "" {
		cfg.SocketAddr = DefaultSocketAddr
		updated = true
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = DefaultHTTPAddr
		updated = true
	}
	if cfg.StorageDir == "" {
		cfg.StorageDir = filepath.Join(dataDir, "files")
		updated = true
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
		updated = true
	}
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
		updated = true
	}

	return updated
}
