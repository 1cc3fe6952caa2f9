package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/CTAG07/viterbi/pkg/hmm"
	"github.com/natefinch/atomic"
)

// ServerConfig holds the configuration for the HTTP server.
type ServerConfig struct {
	ApiAddr        string   `json:"api_addr"`
	LogLevel       string   `json:"log_level"`
	TrustedProxies []string `json:"trusted_proxies"`
	DataDir        string   `json:"data_dir"`
	DatabasePath   string   `json:"database_path"`
	MaxBodyBytes   int64    `json:"max_body_bytes"`
}

// DecodeConfig holds the limits and defaults applied to decode requests.
type DecodeConfig struct {
	MaxStates         int                   `json:"max_states"`
	MaxSymbols        int                   `json:"max_symbols"`
	MaxSequenceLength int                   `json:"max_sequence_length"`
	PlotFormat        string                `json:"plot_format"`
	RecordByDefault   bool                  `json:"record_by_default"`
	Labels            map[string]hmm.Labels `json:"labels"`      // keyed by model name
	SeedModels        map[string]string     `json:"seed_models"` // model name -> parameter file
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server *ServerConfig `json:"server_config"`
	Decode *DecodeConfig `json:"decode_config"`
}

// DefaultServerConfig creates a server configuration with default values.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:        ":7280",
		LogLevel:       "info",
		TrustedProxies: []string{},
		DataDir:        "./data",
		DatabasePath:   "./data/viterbi.db?_journal_mode=WAL&_busy_timeout=5000",
		MaxBodyBytes:   4 << 20,
	}
}

// DefaultDecodeConfig creates a decode configuration with default values.
func DefaultDecodeConfig() *DecodeConfig {
	return &DecodeConfig{
		MaxStates:         256,
		MaxSymbols:        1024,
		MaxSequenceLength: 100000,
		PlotFormat:        "png",
		RecordByDefault:   false,
		Labels: map[string]hmm.Labels{
			"weather": hmm.WeatherLabels(),
		},
		SeedModels: map[string]string{},
	}
}

// LabelsFor returns the display labels configured for a model.
func (c *DecodeConfig) LabelsFor(model string) hmm.Labels {
	return c.Labels[model]
}

// Limits returns the model and sequence bounds enforced on stored models and
// decode requests.
func (c *DecodeConfig) Limits() hmm.Limits {
	return hmm.Limits{
		MaxStates:  c.MaxStates,
		MaxSymbols: c.MaxSymbols,
		MaxLength:  c.MaxSequenceLength,
	}
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(path string) (*Config, error) {
	config := &Config{
		Server: DefaultServerConfig(),
		Decode: DefaultDecodeConfig(),
	}

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var data []byte
			data, err = json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// The server can still run with defaults.
				fmt.Printf("warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Server == nil {
		config.Server = DefaultServerConfig()
	}
	if config.Decode == nil {
		config.Decode = DefaultDecodeConfig()
	}
	return config, nil
}

// ConfigManager handles thread-safe access to configuration and derived state (trusted proxies).
type ConfigManager struct {
	config       *Config
	mu           sync.RWMutex
	trustedCIDRs []*net.IPNet
	trustedIPs   []net.IP
	configPath   string
	logger       *slog.Logger
}

// NewConfigManager loads the config and initializes the manager.
func NewConfigManager(path string) (*ConfigManager, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	cm := &ConfigManager{
		config:     cfg,
		configPath: path,
		// Log to stdout before the application-specific logger is set.
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{})),
	}
	cm.refreshCache()

	return cm, nil
}

// SetLogger sets the logger used for config warnings.
func (cm *ConfigManager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logger = logger
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return *cm.config
}

// Decode returns the current decode configuration.
func (cm *ConfigManager) Decode() *DecodeConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Decode
}

// Update validates the new configuration, saves it to disk, and refreshes derived state.
func (cm *ConfigManager) Update(newConfig Config) error {
	if newConfig.Server == nil || newConfig.Decode == nil {
		return fmt.Errorf("server_config and decode_config are both required")
	}
	if newConfig.Decode.MaxStates < 0 || newConfig.Decode.MaxSymbols < 0 || newConfig.Decode.MaxSequenceLength < 0 {
		return fmt.Errorf("decode limits must not be negative")
	}
	if _, ok := plotContentTypes[newConfig.Decode.PlotFormat]; !ok {
		return fmt.Errorf("unsupported plot_format '%s'", newConfig.Decode.PlotFormat)
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	*cm.config = newConfig
	cm.refreshCache()

	data, err := json.MarshalIndent(cm.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// IsTrusted checks if an IP is in the trusted proxies list using the cache.
func (cm *ConfigManager) IsTrusted(ipAddr string) bool {
	parsedIP := net.ParseIP(ipAddr)
	if parsedIP == nil {
		return false
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, ipNet := range cm.trustedCIDRs {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	for _, trustedIP := range cm.trustedIPs {
		if trustedIP.Equal(parsedIP) {
			return true
		}
	}
	return false
}

// refreshCache rebuilds the binary IP lists from the config strings.
func (cm *ConfigManager) refreshCache() {
	var cidrs []*net.IPNet
	var ips []net.IP

	for _, t := range cm.config.Server.TrustedProxies {
		if strings.Contains(t, "/") {
			_, ipNet, err := net.ParseCIDR(t)
			if err != nil {
				cm.logger.Warn("Failed to parse trusted proxy CIDR", "cidr", t, "error", err)
				continue
			}
			cidrs = append(cidrs, ipNet)
			continue
		}
		if ip := net.ParseIP(t); ip != nil {
			ips = append(ips, ip)
		} else {
			cm.logger.Warn("Failed to parse trusted proxy IP", "ip", t)
		}
	}
	cm.trustedCIDRs = cidrs
	cm.trustedIPs = ips
}
