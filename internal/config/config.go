package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netsim/internal/log"
)

// Config is the full device configuration loaded from YAML.
type Config struct {
	Device  DeviceConfig     `mapstructure:"device" yaml:"device"`
	Stack   StackConfig      `mapstructure:"stack" yaml:"stack"`
	Log     log.LoggerConfig `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// DeviceConfig is the simulated host's identity.
type DeviceConfig struct {
	Hostname  string `mapstructure:"hostname" yaml:"hostname"`
	Interface string `mapstructure:"interface" yaml:"interface"`
	IP        string `mapstructure:"ip" yaml:"ip"`
	Mask      string `mapstructure:"mask" yaml:"mask"`
	MAC       string `mapstructure:"mac" yaml:"mac"`
}

// StackConfig tunes the protocol engines.
type StackConfig struct {
	ARP   ARPConfig   `mapstructure:"arp" yaml:"arp"`
	TCP   TCPConfig   `mapstructure:"tcp" yaml:"tcp"`
	Ping  PingConfig  `mapstructure:"ping" yaml:"ping"`
	IPSec IPSecConfig `mapstructure:"ipsec" yaml:"ipsec"`
}

type ARPConfig struct {
	ReachableTime     time.Duration `mapstructure:"reachable_time" yaml:"reachable_time"`
	IncompleteTimeout time.Duration `mapstructure:"incomplete_timeout" yaml:"incomplete_timeout"`
	MaxRetries        int           `mapstructure:"max_retries" yaml:"max_retries"`
}

type TCPConfig struct {
	MSL time.Duration `mapstructure:"msl" yaml:"msl"`
}

type PingConfig struct {
	PayloadSize int           `mapstructure:"payload_size" yaml:"payload_size"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Count       int           `mapstructure:"count" yaml:"count"`
}

type IPSecConfig struct {
	SALifetime time.Duration `mapstructure:"sa_lifetime" yaml:"sa_lifetime"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Hostname:  "netsim",
			Interface: "eth0",
			IP:        "192.168.1.10",
			Mask:      "255.255.255.0",
			MAC:       "02:00:5e:00:10:01",
		},
		Stack: StackConfig{
			ARP:   ARPConfig{ReachableTime: 5 * time.Minute, IncompleteTimeout: 3 * time.Second, MaxRetries: 3},
			TCP:   TCPConfig{MSL: 60 * time.Second},
			Ping:  PingConfig{PayloadSize: 48, Timeout: 2 * time.Second, Count: 5},
			IPSec: IPSecConfig{SALifetime: time.Hour},
		},
		Log: *log.DefaultConfig(),
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9091",
			Path:    "/metrics",
		},
	}
}

// Load reads path and merges it over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders the effective configuration as YAML, for
// "show running-config".
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(out), nil
}
