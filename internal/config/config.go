// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ewpratten/protomask/internal/log"
	"github.com/ewpratten/protomask/internal/rfc6052"
)

// Config is the top-level configuration. Maps to the `protomask:`
// root key in YAML.
type Config struct {
	Mode    string        `mapstructure:"mode"` // nat64 | clat | 6over4
	NAT64   NAT64Config   `mapstructure:"nat64"`
	CLAT    CLATConfig    `mapstructure:"clat"`
	TUN     TUNConfig     `mapstructure:"tun"`
	Log     log.Config    `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// NAT64Config configures the stateful NAT64 engine.
type NAT64Config struct {
	Prefix         netip.Prefix    `mapstructure:"prefix"`
	Pool           []netip.Prefix  `mapstructure:"pool"`
	StaticMappings []StaticMapping `mapstructure:"static_mappings"`
	MaxIdleSeconds int             `mapstructure:"max_idle_seconds"`
	StateFile      string          `mapstructure:"state_file"` // empty = no persistence
}

// StaticMapping is one operator-reserved address pair.
type StaticMapping struct {
	V4 netip.Addr `mapstructure:"v4"`
	V6 netip.Addr `mapstructure:"v6"`
}

// CLATConfig configures the customer-side translator.
type CLATConfig struct {
	EmbedPrefix    netip.Prefix `mapstructure:"embed_prefix"`
	CustomerPrefix netip.Prefix `mapstructure:"customer_prefix"`
}

// TUNConfig configures the TUN device.
type TUNConfig struct {
	Name    string `mapstructure:"name"`
	MTU     int    `mapstructure:"mtu"`
	Workers int    `mapstructure:"workers"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// configRoot is the wrapper matching the YAML structure `protomask: ...`.
type configRoot struct {
	Protomask Config `mapstructure:"protomask"`
}

// Load loads configuration from file. Env vars override file values
// via the key replacer (e.g. key "protomask.log.level" reads env
// "PROTOMASK_LOG_LEVEL").
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// netip.Prefix and netip.Addr fields decode from their text form.
	var root configRoot
	if err := v.Unmarshal(&root, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Protomask

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values. All keys use the "protomask."
// prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("protomask.mode", "nat64")

	v.SetDefault("protomask.nat64.prefix", "64:ff9b::/96")
	v.SetDefault("protomask.nat64.max_idle_seconds", 7200)

	v.SetDefault("protomask.clat.embed_prefix", "64:ff9b::/96")

	v.SetDefault("protomask.tun.name", "protomask%d")
	v.SetDefault("protomask.tun.mtu", 1500)
	v.SetDefault("protomask.tun.workers", 1)

	v.SetDefault("protomask.log.level", "info")
	v.SetDefault("protomask.log.format", "text")
	v.SetDefault("protomask.log.file.enabled", false)
	v.SetDefault("protomask.log.file.path", "/var/log/protomask/protomask.log")
	v.SetDefault("protomask.log.file.max_size_mb", 100)
	v.SetDefault("protomask.log.file.max_backups", 5)
	v.SetDefault("protomask.log.file.max_age_days", 30)
	v.SetDefault("protomask.log.file.compress", true)

	v.SetDefault("protomask.metrics.enabled", false)
	v.SetDefault("protomask.metrics.listen", ":9090")
	v.SetDefault("protomask.metrics.path", "/metrics")
}

// Validate checks the configuration for construction-time errors.
func (cfg *Config) Validate() error {
	switch cfg.Mode {
	case "nat64":
		if !cfg.NAT64.Prefix.IsValid() || !cfg.NAT64.Prefix.Addr().Is6() {
			return fmt.Errorf("nat64.prefix must be an IPv6 prefix")
		}
		if !rfc6052.ValidPrefixLen(cfg.NAT64.Prefix.Bits()) {
			return fmt.Errorf("nat64.prefix length must be one of 32/40/48/56/64/96, got /%d", cfg.NAT64.Prefix.Bits())
		}
		if len(cfg.NAT64.Pool) == 0 {
			return fmt.Errorf("nat64.pool must list at least one IPv4 prefix")
		}
		for _, p := range cfg.NAT64.Pool {
			if !p.Addr().Is4() {
				return fmt.Errorf("nat64.pool prefix %s is not IPv4", p)
			}
		}
		for _, m := range cfg.NAT64.StaticMappings {
			if !m.V4.Is4() || !m.V6.Is6() {
				return fmt.Errorf("static mapping %s <--> %s must pair an IPv4 with an IPv6 address", m.V6, m.V4)
			}
		}
		if cfg.NAT64.MaxIdleSeconds <= 0 {
			return fmt.Errorf("nat64.max_idle_seconds must be positive")
		}
	case "clat":
		if !cfg.CLAT.EmbedPrefix.IsValid() || !cfg.CLAT.EmbedPrefix.Addr().Is6() {
			return fmt.Errorf("clat.embed_prefix must be an IPv6 prefix")
		}
		if !rfc6052.ValidPrefixLen(cfg.CLAT.EmbedPrefix.Bits()) {
			return fmt.Errorf("clat.embed_prefix length must be one of 32/40/48/56/64/96, got /%d", cfg.CLAT.EmbedPrefix.Bits())
		}
		if !cfg.CLAT.CustomerPrefix.IsValid() || !cfg.CLAT.CustomerPrefix.Addr().Is4() {
			return fmt.Errorf("clat.customer_prefix must be an IPv4 prefix")
		}
	case "6over4":
		// Recognized, but only the eBPF build implements it. The
		// engine rejects it at construction.
	default:
		return fmt.Errorf("invalid mode: %s (must be nat64/clat/6over4)", cfg.Mode)
	}

	if cfg.TUN.MTU < 1280 {
		return fmt.Errorf("tun.mtu must be at least 1280")
	}
	if cfg.TUN.Workers < 1 {
		return fmt.Errorf("tun.workers must be at least 1")
	}
	return nil
}
