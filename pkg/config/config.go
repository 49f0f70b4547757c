// Package config loads and validates the tool's configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config represents the top-level configuration structure.
type Config struct {
	Global   GlobalConfig   `yaml:"global"   mapstructure:"global"`
	Store    StoreConfig    `yaml:"store"    mapstructure:"store"`
	Network  NetworkConfig  `yaml:"network"  mapstructure:"network"`
	Firewall FirewallConfig `yaml:"firewall" mapstructure:"firewall"`
	Agent    AgentConfig    `yaml:"agent"    mapstructure:"agent"`
}

// GlobalConfig holds global settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// StoreConfig locates the persisted rules file.
type StoreConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// NetworkConfig names the bridges the NAT directives attach to.
type NetworkConfig struct {
	// InboundBridge carries incoming public traffic (DNAT match).
	InboundBridge string `yaml:"inbound_bridge" mapstructure:"inbound_bridge"`
	// OutboundBridge carries traffic towards guests (MASQUERADE match).
	OutboundBridge string `yaml:"outbound_bridge" mapstructure:"outbound_bridge"`
}

// FirewallConfig controls how kernel NAT state is made durable.
type FirewallConfig struct {
	PersistCommand []string `yaml:"persist_command" mapstructure:"persist_command"`
}

// AgentConfig bounds guest-agent queries.
type AgentConfig struct {
	Timeout string `yaml:"timeout" mapstructure:"timeout"`
}

// GetTimeout parses the guest-agent query timeout.
// Defaults to 5s if not set or invalid.
func (a AgentConfig) GetTimeout() time.Duration {
	if a.Timeout == "" {
		return 5 * time.Second
	}
	duration, err := time.ParseDuration(a.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return duration
}

// Load reads the config file, applies defaults, unmarshals, and validates.
// A missing config file is not an error: the defaults describe a standard
// single-public-IP Proxmox host.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("global.log_level", "info")
	v.SetDefault("store.rules_file", "/etc/pve-natmgr/rules.conf")
	v.SetDefault("network.inbound_bridge", "vmbr0")
	v.SetDefault("network.outbound_bridge", "vmbr1")
	v.SetDefault("firewall.persist_command", []string{"netfilter-persistent", "save"})
	v.SetDefault("agent.timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for correctness.
func Validate(cfg *Config) error {
	if cfg.Store.RulesFile == "" {
		return fmt.Errorf("store.rules_file is required")
	}
	if cfg.Network.InboundBridge == "" {
		return fmt.Errorf("network.inbound_bridge is required")
	}
	if cfg.Network.OutboundBridge == "" {
		return fmt.Errorf("network.outbound_bridge is required")
	}
	if len(cfg.Firewall.PersistCommand) == 0 {
		return fmt.Errorf("firewall.persist_command is required")
	}
	if cfg.Agent.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Agent.Timeout); err != nil {
			return fmt.Errorf("invalid agent.timeout %q: %w", cfg.Agent.Timeout, err)
		}
	}
	return nil
}
