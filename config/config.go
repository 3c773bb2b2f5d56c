package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "peerbeat"
	// DefaultListeningPort is the TCP port used when no user override exists.
	DefaultListeningPort = 9000
	// DefaultProbeIntervalSeconds is the pause between liveness sweeps.
	DefaultProbeIntervalSeconds = 10
	// DefaultStaleTimeoutSeconds is the silence window before eviction.
	DefaultStaleTimeoutSeconds = 30
	// PortModeAutomatic picks an available port at launch.
	PortModeAutomatic = "automatic"
	// PortModeFixed uses the configured listening port value.
	PortModeFixed = "fixed"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// NodeConfig contains persistent local-node settings.
type NodeConfig struct {
	NodeID               string `json:"node_id"`
	NodeName             string `json:"node_name"`
	PortMode             string `json:"port_mode"`
	ListeningPort        int    `json:"listening_port"`
	ProbeIntervalSeconds int    `json:"probe_interval_seconds"`
	StaleTimeoutSeconds  int    `json:"stale_timeout_seconds"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If PEERBEAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("PEERBEAT_DATA_DIR"); override != "" {
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
func Load(path string) (*NodeConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg NodeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *NodeConfig) error {
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
func LoadOrCreate() (*NodeConfig, string, error) {
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

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *NodeConfig {
	nodeName := "peerbeat node"
	if host, err := os.Hostname(); err == nil && host != "" {
		nodeName = host
	}

	return &NodeConfig{
		NodeID:               uuid.NewString(),
		NodeName:             nodeName,
		PortMode:             PortModeFixed,
		ListeningPort:        DefaultListeningPort,
		ProbeIntervalSeconds: DefaultProbeIntervalSeconds,
		StaleTimeoutSeconds:  DefaultStaleTimeoutSeconds,
	}
}

func normalizeDefaults(cfg *NodeConfig) bool {
	updated := false

	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
		updated = true
	}

	if cfg.NodeName == "" {
		nodeName := "peerbeat node"
		if host, err := os.Hostname(); err == nil && host != "" {
			nodeName = host
		}
		cfg.NodeName = nodeName
		updated = true
	}

	mode := normalizePortMode(cfg.PortMode)
	if mode == "" {
		if cfg.ListeningPort > 0 {
			mode = PortModeFixed
		} else {
			mode = PortModeAutomatic
		}
	}
	if cfg.PortMode != mode {
		cfg.PortMode = mode
		updated = true
	}

	if cfg.PortMode == PortModeFixed && cfg.ListeningPort == 0 {
		cfg.ListeningPort = DefaultListeningPort
		updated = true
	}
	if cfg.PortMode == PortModeAutomatic && cfg.ListeningPort < 0 {
		cfg.ListeningPort = 0
		updated = true
	}

	if cfg.ProbeIntervalSeconds <= 0 {
		cfg.ProbeIntervalSeconds = DefaultProbeIntervalSeconds
		updated = true
	}
	if cfg.StaleTimeoutSeconds <= 0 {
		cfg.StaleTimeoutSeconds = DefaultStaleTimeoutSeconds
		updated = true
	}

	return updated
}

func normalizePortMode(mode string) string {
	switch mode {
	case PortModeAutomatic:
		return PortModeAutomatic
	case PortModeFixed:
		return PortModeFixed
	default:
		return ""
	}
}
