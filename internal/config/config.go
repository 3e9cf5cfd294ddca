// Package config loads gateway configuration from defaults, an optional JSON
// file and environment overrides, and persists user preferences back to that file.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8080
	DefaultRelayHost        = "gps.pinme.io"
	DefaultRelayPort        = 9096
	DefaultRelayResolverURL = "https://api.pinme.io/alblambda/ipsolver?service=TachoServer"
	DefaultProvisioningURL  = "https://api.pinme.io/alblambda/tacho/gettachocompanyicclist"
)

// Config holds every tunable of the gateway. Zero values in the file fall
// back to defaults.
type Config struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	RelayHost        string `json:"relayHost"` // empty: resolve through RelayResolverURL
	RelayPort        int    `json:"relayPort"`
	RelayResolverURL string `json:"relayResolverUrl"`
	ProvisioningURL  string `json:"provisioningUrl"`

	ScanIntervalSeconds           int `json:"scanIntervalSeconds"`
	ConnectionFirstTimeoutMinutes int `json:"connectionFirstTimeoutMinutes"`
	ConnectionTimeoutMinutes      int `json:"connectionTimeoutMinutes"`
	LeaseMinutes                  int `json:"leaseMinutes"`

	RelayEnabled   *bool `json:"relayEnabled,omitempty"`
	CrashReporting bool  `json:"crashReporting"`
}

var (
	current  *Config
	mu       sync.RWMutex
	filePath string
)

// Default returns the built-in configuration.
func Default() *Config {
	enabled := true
	return &Config{
		Host:                          DefaultHost,
		Port:                          DefaultPort,
		RelayHost:                     DefaultRelayHost,
		RelayPort:                     DefaultRelayPort,
		RelayResolverURL:              DefaultRelayResolverURL,
		ProvisioningURL:               DefaultProvisioningURL,
		ScanIntervalSeconds:           30,
		ConnectionFirstTimeoutMinutes: 5,
		ConnectionTimeoutMinutes:      5,
		LeaseMinutes:                  5,
		RelayEnabled:                  &enabled,
		CrashReporting:                false,
	}
}

// DefaultPath returns <UserConfigDir>/tacho-gateway/config.json.
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "tacho-gateway", "config.json"), nil
}

// Load reads the configuration from the default path.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		cfg := Default()
		cfg.applyEnv()
		setCurrent(cfg, "")
		return cfg, err
	}
	return LoadFile(path)
}

// LoadFile reads the configuration from path. A missing file is not an error.
// The returned config is always usable, even when err is non-nil.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var fileCfg Config
		if jerr := json.Unmarshal(data, &fileCfg); jerr != nil {
			err = fmt.Errorf("parse %s: %w", path, jerr)
		} else {
			cfg.merge(&fileCfg)
		}
	case os.IsNotExist(err):
		err = nil
	default:
		err = fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	setCurrent(cfg, path)
	return cfg, err
}

func setCurrent(cfg *Config, path string) {
	mu.Lock()
	current = cfg
	filePath = path
	mu.Unlock()
}

func (c *Config) merge(o *Config) {
	if o.Host != "" {
		c.Host = o.Host
	}
	if o.Port != 0 {
		c.Port = o.Port
	}
	if o.RelayHost != "" {
		c.RelayHost = o.RelayHost
	}
	if o.RelayPort != 0 {
		c.RelayPort = o.RelayPort
	}
	if o.RelayResolverURL != "" {
		c.RelayResolverURL = o.RelayResolverURL
	}
	if o.ProvisioningURL != "" {
		c.ProvisioningURL = o.ProvisioningURL
	}
	if o.ScanIntervalSeconds > 0 {
		c.ScanIntervalSeconds = o.ScanIntervalSeconds
	}
	if o.ConnectionFirstTimeoutMinutes > 0 {
		c.ConnectionFirstTimeoutMinutes = o.ConnectionFirstTimeoutMinutes
	}
	if o.ConnectionTimeoutMinutes > 0 {
		c.ConnectionTimeoutMinutes = o.ConnectionTimeoutMinutes
	}
	if o.LeaseMinutes > 0 {
		c.LeaseMinutes = o.LeaseMinutes
	}
	if o.RelayEnabled != nil {
		v := *o.RelayEnabled
		c.RelayEnabled = &v
	}
	c.CrashReporting = o.CrashReporting
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TACHO_GATEWAY_HOST"); v != "" {
		c.Host = v
	}
	if v, ok := envInt("TACHO_GATEWAY_PORT"); ok {
		c.Port = v
	}
	if v, ok := os.LookupEnv("TACHO_GATEWAY_RELAY_HOST"); ok {
		c.RelayHost = v
	}
	if v, ok := envInt("TACHO_GATEWAY_RELAY_PORT"); ok {
		c.RelayPort = v
	}
	if v := os.Getenv("TACHO_GATEWAY_PROVISIONING_URL"); v != "" {
		c.ProvisioningURL = v
	}
	if v, ok := envInt("TACHO_GATEWAY_SCAN_INTERVAL"); ok && v > 0 {
		c.ScanIntervalSeconds = v
	}
	switch os.Getenv("TACHO_GATEWAY_RELAY") {
	case "0":
		disabled := false
		c.RelayEnabled = &disabled
	case "1":
		enabled := true
		c.RelayEnabled = &enabled
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Address returns host:port for the HTTP listener.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RelayAddress returns the configured relay endpoint, or "" when the host
// must be resolved at runtime.
func (c *Config) RelayAddress() string {
	if c.RelayHost == "" {
		return ""
	}
	return net.JoinHostPort(c.RelayHost, strconv.Itoa(c.RelayPort))
}

func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

func (c *Config) FirstContactTimeout() time.Duration {
	return time.Duration(c.ConnectionFirstTimeoutMinutes) * time.Minute
}

func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutMinutes) * time.Minute
}

func (c *Config) LeaseDuration() time.Duration {
	return time.Duration(c.LeaseMinutes) * time.Minute
}

// IsRelayEnabled reports whether relay engines should be started.
func (c *Config) IsRelayEnabled() bool {
	return c.RelayEnabled == nil || *c.RelayEnabled
}

// Get returns the current configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return current
	}
	mu.RUnlock()

	cfg, _ := Load()
	return cfg
}

// Save writes the current configuration to the file it was loaded from.
func Save() error {
	mu.RLock()
	cfg := current
	path := filePath
	mu.RUnlock()

	if cfg == nil {
		cfg = Default()
	}
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	update(func(c *Config) { c.CrashReporting = enabled })
	return Save()
}

// SetRelayEnabled updates the relay preference and saves. Running relays are
// not affected; the next scan cycle honours the new value.
func SetRelayEnabled(enabled bool) error {
	update(func(c *Config) { c.RelayEnabled = &enabled })
	return Save()
}

// update swaps in a modified copy so holders of the previous *Config never
// observe a write.
func update(fn func(c *Config)) {
	mu.Lock()
	defer mu.Unlock()
	next := Default()
	if current != nil {
		cp := *current
		next = &cp
	}
	fn(next)
	current = next
}
