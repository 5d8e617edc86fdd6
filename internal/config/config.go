// Package config handles configuration loading, validation, and persistence
// for the ticktalk chat server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir     = "config"
	DefaultConfigFile    = "config.json"
	DefaultListenAddress = "127.0.0.1:8888"
	DefaultAPIPort       = 5080
)

// Config is the root configuration structure for ticktalk.
type Config struct {
	mu   sync.RWMutex
	path string

	Server   ServerConfig   `json:"server"`
	Identity IdentityConfig `json:"identity"`
	API      APIConfig      `json:"api"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Audit    AuditConfig    `json:"audit"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig holds the chat listener and tick loop settings.
type ServerConfig struct {
	ListenAddress    string `json:"listen_address"`
	WebSocketAddress string `json:"websocket_address"` // empty disables the WebSocket listener
	MaxClients       int    `json:"max_clients"`       // 0 means unlimited
	AcceptQueueSize  int    `json:"accept_queue_size"`

	TickIntervalMS      int `json:"tick_interval_ms"`
	TickBudgetMS        int `json:"tick_budget_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
	MaxHeartbeatSkip    int `json:"max_heartbeat_skip"`
	WriteTimeoutMS      int `json:"write_timeout_ms"`
	ReadQueueDepth      int `json:"read_queue_depth"`
	WriteQueueDepth     int `json:"write_queue_depth"`

	// RegistrationTimeoutMS bounds the handshake, measured from admission.
	// 0 lets unregistered connections linger.
	RegistrationTimeoutMS int `json:"registration_timeout_ms"`

	AnnouncePresence bool `json:"announce_presence"`
	StatsIntervalSec int  `json:"stats_interval_sec"`
	LagCheckSec      int  `json:"lag_check_interval_sec"`
	Console          bool `json:"console"`
}

// IdentityConfig controls client id assignment.
type IdentityConfig struct {
	// ReservedFloor is the smallest id kept for server and system notices.
	ReservedFloor uint32 `json:"reserved_floor"`
}

// APIConfig holds the admin REST API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	Token          string   `json:"token"` // empty disables bearer auth on control routes
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	EnableMetrics  bool     `json:"enable_metrics"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"` // generated self-signed when missing
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// AuditConfig holds the connection audit log settings.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"` // HH:MM local time
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:         DefaultListenAddress,
			AcceptQueueSize:       128,
			TickIntervalMS:        10,
			TickBudgetMS:          50,
			HeartbeatIntervalMS:   2000,
			MaxHeartbeatSkip:      5,
			WriteTimeoutMS:        5000,
			ReadQueueDepth:        64,
			WriteQueueDepth:       256,
			RegistrationTimeoutMS: 10000,
			AnnouncePresence:      true,
			StatsIntervalSec:      300,
			LagCheckSec:           60,
			Console:               true,
		},
		Identity: IdentityConfig{
			ReservedFloor: 0xE0000000,
		},
		API: APIConfig{
			Enabled:        true,
			Address:        "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   50,
			EnableMetrics:  true,
			TLSCertFile:    "config/api_cert.pem",
			TLSKeyFile:     "config/api_key.pem",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "ticktalk",
		},
		Audit: AuditConfig{
			Enabled:       true,
			Path:          "data/sessions.db",
			RetentionDays: 14,
			CleanupTime:   "04:00",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from configDir/config.json. A missing file is
// created with defaults; an existing one is overlaid on the defaults and
// re-saved so new options show up in it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetServer returns a copy of the server section.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// SetListenAddress overrides the chat listen address.
func (c *Config) SetListenAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.ListenAddress = addr
}

// ---- Duration accessors ----

func (s ServerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMS) * time.Millisecond
}

func (s ServerConfig) TickBudget() time.Duration {
	return time.Duration(s.TickBudgetMS) * time.Millisecond
}

func (s ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalMS) * time.Millisecond
}

func (s ServerConfig) RegistrationTimeout() time.Duration {
	return time.Duration(s.RegistrationTimeoutMS) * time.Millisecond
}

func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s ServerConfig) StatsInterval() time.Duration {
	return time.Duration(s.StatsIntervalSec) * time.Second
}

func (s ServerConfig) LagCheckInterval() time.Duration {
	return time.Duration(s.LagCheckSec) * time.Second
}

// ListenAddr returns the host:port the admin API binds to.
func (a APIConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", a.Address, a.Port)
}
