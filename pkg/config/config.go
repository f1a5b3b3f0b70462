package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TransportMode selects which listeners the agent opens.
const (
	TransportNetworkOnly = "network"
	TransportUSBOnly     = "usb"
	TransportBoth        = "both"
)

// ServerConfig defines the protocol server settings. The agent is a debug
// tool with no authentication or encryption; transportMode is explicit so a
// host cannot accidentally bind a non-loopback interface in production
// builds.
type ServerConfig struct {
	NetworkPort     uint16 `toml:"networkPort"`
	USBPort         uint16 `toml:"usbPort"`
	TransportMode   string `toml:"transportMode"`
	ServiceName     string `toml:"serviceName"`
	MaxMessageBytes int    `toml:"maxMessageBytes"`
}

// SerializerConfig bounds object graph serialization.
type SerializerConfig struct {
	MaxDepth     int `toml:"maxDepth"`
	MaxListItems int `toml:"maxListItems"`
}

// StorageConfig defines SQLite tuning options for the bundled store.
type StorageConfig struct {
	DBPath      string `toml:"dbPath"`
	JournalMode string `toml:"journalMode"`
	Synchronous string `toml:"synchronous"`
}

// AuditConfig controls the git-committed mutation snapshots.
type AuditConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LoggingConfig defines basic logging knobs.
type LoggingConfig struct {
	Level       string `toml:"level"`
	FilePath    string `toml:"filePath"`
	FileMaxSize int    `toml:"fileMaxSizeMB"`
	FileBackups int    `toml:"fileMaxBackups"`
}

// AgentConfig aggregates the inspector agent configuration.
type AgentConfig struct {
	Server     ServerConfig     `toml:"server"`
	Serializer SerializerConfig `toml:"serializer"`
	Storage    StorageConfig    `toml:"storage"`
	Audit      AuditConfig      `toml:"audit"`
	Logging    LoggingConfig    `toml:"logging"`
}

// Default returns the configuration with every option at its default.
func Default() *AgentConfig {
	cfg := &AgentConfig{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a TOML config from path and validates it.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg AgentConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to path as TOML.
func Save(path string, cfg *AgentConfig) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func (cfg *AgentConfig) applyDefaults() {
	if cfg.Server.NetworkPort == 0 {
		cfg.Server.NetworkPort = 9876
	}
	if cfg.Server.USBPort == 0 {
		cfg.Server.USBPort = 9877
	}
	if cfg.Server.TransportMode == "" {
		cfg.Server.TransportMode = TransportBoth
	}
	if cfg.Server.MaxMessageBytes == 0 {
		cfg.Server.MaxMessageBytes = 10 * 1024 * 1024
	}
	if cfg.Serializer.MaxDepth == 0 {
		cfg.Serializer.MaxDepth = 3
	}
	if cfg.Serializer.MaxListItems == 0 {
		cfg.Serializer.MaxListItems = 100
	}
	if cfg.Storage.JournalMode == "" {
		cfg.Storage.JournalMode = "WAL"
	}
	if cfg.Storage.Synchronous == "" {
		cfg.Storage.Synchronous = "NORMAL"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (cfg *AgentConfig) validate() error {
	cfg.applyDefaults()
	switch cfg.Server.TransportMode {
	case TransportNetworkOnly, TransportUSBOnly, TransportBoth:
	default:
		return fmt.Errorf("server.transportMode must be %q, %q or %q", TransportNetworkOnly, TransportUSBOnly, TransportBoth)
	}
	if cfg.Audit.Enabled && cfg.Audit.Dir == "" {
		return fmt.Errorf("audit.dir required when audit.enabled")
	}
	return nil
}
