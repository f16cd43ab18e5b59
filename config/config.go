package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"p2pdrop/storage"
	"p2pdrop/transfer"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "p2pdrop"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "P2PDROP_DATA_DIR"
	// DefaultRelayURL is used when no relay is configured or discovered.
	DefaultRelayURL = "http://localhost:3001"
	// DefaultLogLevel is the logrus level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// downloadsDirName holds received artifacts unless overridden.
	downloadsDirName = "downloads"
)

// DefaultICEServers are the STUN servers offered to the link layer.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// DeviceConfig contains persistent local settings.
type DeviceConfig struct {
	DeviceID             string   `json:"device_id"`
	DeviceName           string   `json:"device_name"`
	RelayURL             string   `json:"relay_url"`
	ICEServers           []string `json:"ice_servers"`
	DownloadDir          string   `json:"download_dir"`
	StreamThresholdBytes int64    `json:"stream_threshold_bytes"`
	SendChecksum         bool     `json:"send_checksum"`
	VerifyChecksum       bool     `json:"verify_checksum"`
	LogLevel             string   `json:"log_level"`
	HistoryDB            string   `json:"history_db"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If P2PDROP_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
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

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
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

// LoadOrCreate resolves the data directory and loads its config.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateAt(dataDir)
}

// LoadOrCreateAt ensures directories and config exist under dataDir, then
// returns both.
func LoadOrCreateAt(dataDir string) (*DeviceConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
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

// Level returns the configured logrus level, falling back to info.
func (c *DeviceConfig) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func defaultConfig(dataDir string) *DeviceConfig {
	return &DeviceConfig{
		DeviceID:             uuid.NewString(),
		DeviceName:           defaultDeviceName(),
		RelayURL:             DefaultRelayURL,
		ICEServers:           append([]string(nil), DefaultICEServers...),
		DownloadDir:          filepath.Join(dataDir, downloadsDirName),
		StreamThresholdBytes: transfer.StreamThreshold,
		SendChecksum:         true,
		VerifyChecksum:       true,
		LogLevel:             DefaultLogLevel,
		HistoryDB:            filepath.Join(dataDir, storage.DefaultDBFileName),
	}
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "p2pdrop device"
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) bool {
	updated := false

	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
		updated = true
	}

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultDeviceName()
		updated = true
	}

	relayURL := strings.TrimRight(strings.TrimSpace(cfg.RelayURL), "/")
	if relayURL != cfg.RelayURL {
		cfg.RelayURL = relayURL
		updated = true
	}

	if cfg.ICEServers == nil {
		cfg.ICEServers = append([]string(nil), DefaultICEServers...)
		updated = true
	}

	if cfg.DownloadDir == "" {
		cfg.DownloadDir = filepath.Join(dataDir, downloadsDirName)
		updated = true
	}

	if cfg.StreamThresholdBytes <= 0 {
		cfg.StreamThresholdBytes = transfer.StreamThreshold
		updated = true
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	if cfg.HistoryDB == "" {
		cfg.HistoryDB = filepath.Join(dataDir, storage.DefaultDBFileName)
		updated = true
	}

	return updated
}
