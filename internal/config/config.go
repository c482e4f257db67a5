// Package config loads and validates the vtrunkd YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHealthIntervalMS = 1000
	DefaultErrorBackoffSecs = 5
	defaultMTU              = 1420
	defaultBufferSize       = 65536
)

// BondingMode selects the link manager's scheduling policy.
type BondingMode int

const (
	Aggregate BondingMode = iota
	Redundant
	Failover
)

func (m BondingMode) String() string {
	switch m {
	case Aggregate:
		return "aggregate"
	case Redundant:
		return "redundant"
	case Failover:
		return "failover"
	default:
		return "unknown"
	}
}

func (m *BondingMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "aggregate", "bonding", "bonded":
		*m = Aggregate
	case "redundant":
		*m = Redundant
	case "failover":
		*m = Failover
	default:
		return fmt.Errorf("bonding_mode: unknown value %q", s)
	}
	return nil
}

func (m BondingMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Config is the top-level configuration document.
type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	WireGuard WireGuardConfig `yaml:"wireguard"`
}

type NetworkConfig struct {
	MTU         uint32  `yaml:"mtu"`
	BufferSize  int     `yaml:"buffer_size"`
	Interface   string  `yaml:"interface"`
	Address     string  `yaml:"address"`
	Netmask     string  `yaml:"netmask"`
	Destination *string `yaml:"destination"`
}

type WireGuardConfig struct {
	PrivateKey          string            `yaml:"private_key"`
	PeerPublicKey       string            `yaml:"peer_public_key"`
	PresharedKey        string            `yaml:"preshared_key"`
	PersistentKeepalive *uint16           `yaml:"persistent_keepalive"`
	BondingMode         BondingMode       `yaml:"bonding_mode"`
	ErrorBackoffSecs    *uint64           `yaml:"error_backoff_secs"`
	HealthCheck         HealthCheckConfig `yaml:"health_check"`
	Links               []LinkConfig      `yaml:"links"`
}

type HealthCheckConfig struct {
	Enabled    bool    `yaml:"enabled"`
	IntervalMS *uint64 `yaml:"interval_ms"`
	TimeoutMS  *uint64 `yaml:"timeout_ms"`
}

type LinkConfig struct {
	Name     string `yaml:"name"`
	Bind     string `yaml:"bind"`
	Endpoint string `yaml:"endpoint"`
	Weight   uint32 `yaml:"weight"`
}

// Default returns a configuration with vtrunkd's documented defaults —
// used as the seed that Load decodes the file over.
func Default() Config {
	keepalive := uint16(25)
	backoff := uint64(DefaultErrorBackoffSecs)
	interval := uint64(DefaultHealthIntervalMS)
	timeout := uint64(5000)
	return Config{
		Network: NetworkConfig{
			MTU:        defaultMTU,
			BufferSize: defaultBufferSize,
		},
		WireGuard: WireGuardConfig{
			PrivateKey:          "REPLACE_ME",
			PeerPublicKey:       "REPLACE_ME",
			PersistentKeepalive: &keepalive,
			BondingMode:         Aggregate,
			ErrorBackoffSecs:    &backoff,
			HealthCheck: HealthCheckConfig{
				Enabled:    true,
				IntervalMS: &interval,
				TimeoutMS:  &timeout,
			},
			Links: []LinkConfig{{
				Name:     "link-0",
				Bind:     "0.0.0.0:0",
				Endpoint: "example.com:51820",
				Weight:   1,
			}},
		},
	}
}

// Load reads, strictly decodes and validates the configuration file at
// path. Unknown fields are rejected so a typo in the YAML surfaces as a
// startup error instead of being silently ignored.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// EffectiveHealthIntervalMS returns the configured interval, or the
// documented default when omitted.
func (c *Config) EffectiveHealthIntervalMS() uint64 {
	if c.WireGuard.HealthCheck.IntervalMS != nil {
		return *c.WireGuard.HealthCheck.IntervalMS
	}
	return DefaultHealthIntervalMS
}

// EffectiveErrorBackoffSecs returns the configured backoff, or the
// documented default when omitted.
func (c *Config) EffectiveErrorBackoffSecs() uint64 {
	if c.WireGuard.ErrorBackoffSecs != nil {
		return *c.WireGuard.ErrorBackoffSecs
	}
	return DefaultErrorBackoffSecs
}

func validate(c *Config) error {
	if c.Network.MTU == 0 {
		return fmt.Errorf("network.mtu must be greater than 0")
	}
	if c.Network.MTU > 65535 {
		return fmt.Errorf("network.mtu exceeds 65535 (got %d)", c.Network.MTU)
	}
	if c.Network.BufferSize <= 0 {
		return fmt.Errorf("network.buffer_size must be greater than 0")
	}
	if c.Network.BufferSize < int(c.Network.MTU) {
		return fmt.Errorf("network.buffer_size (%d) must be at least network.mtu (%d)", c.Network.BufferSize, c.Network.MTU)
	}

	if c.WireGuard.PrivateKey == "" {
		return fmt.Errorf("wireguard.private_key is required")
	}
	if c.WireGuard.PeerPublicKey == "" {
		return fmt.Errorf("wireguard.peer_public_key is required")
	}
	if err := validateKey("wireguard.private_key", c.WireGuard.PrivateKey); err != nil {
		return err
	}
	if err := validateKey("wireguard.peer_public_key", c.WireGuard.PeerPublicKey); err != nil {
		return err
	}
	if c.WireGuard.PresharedKey != "" {
		if err := validateKey("wireguard.preshared_key", c.WireGuard.PresharedKey); err != nil {
			return err
		}
	}

	if len(c.WireGuard.Links) == 0 {
		return fmt.Errorf("wireguard.links must not be empty")
	}
	for i, link := range c.WireGuard.Links {
		if link.Weight == 0 {
			return fmt.Errorf("wireguard.links[%d].weight must be greater than 0", i)
		}
	}

	if c.EffectiveErrorBackoffSecs() == 0 {
		return fmt.Errorf("wireguard.error_backoff_secs must be greater than 0")
	}

	hc := c.WireGuard.HealthCheck
	if hc.IntervalMS != nil && *hc.IntervalMS == 0 {
		return fmt.Errorf("wireguard.health_check.interval_ms must be greater than 0")
	}
	if hc.TimeoutMS != nil {
		if *hc.TimeoutMS == 0 {
			return fmt.Errorf("wireguard.health_check.timeout_ms must be greater than 0")
		}
		interval := c.EffectiveHealthIntervalMS()
		if *hc.TimeoutMS <= interval {
			return fmt.Errorf("wireguard.health_check.timeout_ms (%d) must be greater than the effective interval (%d)", *hc.TimeoutMS, interval)
		}
	}

	return nil
}

func validateKey(field, value string) error {
	if _, err := parseKeyLen(value); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}
