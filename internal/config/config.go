package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultProbePort        = 3478
	DefaultProbeAltPort     = 3479
	DefaultProbeControlPort = 3500
	DefaultRegistrySize     = 4096
	DefaultRegistryTTLSec   = 600

	DefaultCoordinatorPort   = 3749
	DefaultMemberTimeoutSec  = 30
	DefaultSweepIntervalSec  = 5
	DefaultGroup             = "00000000-0000-0000-0000-000000000001"
	DefaultPhase1TimeoutMs   = 1000
	DefaultPhase1Attempts    = 3
	DefaultPhase2TimeoutMs   = 3000
	DefaultPhase2Attempts    = 3
	DefaultRegisterTimeoutMs = 2000
	DefaultRegisterAttempts  = 3
	DefaultKeepaliveSec      = 10
	DefaultConsistencySec    = 60
	DefaultHeartbeatSec      = 2
	DefaultHeartbeatLimit    = 2000
	DefaultPrepareDelayMs    = 500
	DefaultWaitThenPunchMs   = 1000
	DefaultPunchAttempts     = 3
	DefaultPunchIntervalMs   = 300
	DefaultSessionTimeoutSec = 30

	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config holds settings for every punchctl process; each command reads its own section.
type Config struct {
	Log         *LogConfig         `yaml:"log,omitempty"`
	Probe       *ProbeConfig       `yaml:"probe,omitempty"`
	Coordinator *CoordinatorConfig `yaml:"coordinator,omitempty"`
	Client      *ClientConfig      `yaml:"client,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json|console
}

// ProbeConfig is used by one host of the probe server pair.
type ProbeConfig struct {
	Role            string `yaml:"role"` // primary|secondary
	PrimaryListen   string `yaml:"primary_listen"`
	SecondaryListen string `yaml:"secondary_listen"`
	ControlListen   string `yaml:"control_listen"`
	// RelayTo is the secondary host's control address (primary only).
	RelayTo string `yaml:"relay_to,omitempty"`
	// AllowFrom is the only source IP accepted on the control channel (secondary only).
	AllowFrom      string `yaml:"allow_from,omitempty"`
	AdvertiseIP    string `yaml:"advertise_ip,omitempty"`
	AnswerSTUN     *bool  `yaml:"answer_stun,omitempty"`
	RegistrySize   int    `yaml:"registry_size"`
	RegistryTTLSec int    `yaml:"registry_ttl_sec"`
	AdminListen    string `yaml:"admin_listen,omitempty"`
}

// CoordinatorConfig is used by the rendezvous coordinator.
type CoordinatorConfig struct {
	Listen           string `yaml:"listen"`
	AdminListen      string `yaml:"admin_listen,omitempty"`
	MemberTimeoutSec int    `yaml:"member_timeout_sec"`
	SweepIntervalSec int    `yaml:"sweep_interval_sec"`
}

// ProbeHost locates one probe host and its two ports.
type ProbeHost struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	AltPort int    `yaml:"alt_port"`
}

// ClientConfig is used by a client taking part in hole punching.
type ClientConfig struct {
	ID          string    `yaml:"id,omitempty"`
	Group       string    `yaml:"group"`
	Listen      string    `yaml:"listen"`
	Coordinator string    `yaml:"coordinator"`
	Primary     ProbeHost `yaml:"primary"`
	Secondary   ProbeHost `yaml:"secondary"`
	// NATType skips classification when set (lab setups with a known NAT).
	NATType     string   `yaml:"nat_type,omitempty"`
	STUNServers []string `yaml:"stun_servers,omitempty"`
	MetricsPath string   `yaml:"metrics_path,omitempty"`

	Phase1TimeoutMs      int `yaml:"phase1_timeout_ms"`
	Phase1Attempts       int `yaml:"phase1_attempts"`
	Phase2TimeoutMs      int `yaml:"phase2_timeout_ms"`
	Phase2Attempts       int `yaml:"phase2_attempts"`
	RegisterTimeoutMs    int `yaml:"register_timeout_ms"`
	RegisterAttempts     int `yaml:"register_attempts"`
	KeepaliveSec         int `yaml:"keepalive_sec"`
	ConsistencySec       int `yaml:"consistency_sec"`
	HeartbeatSec         int `yaml:"heartbeat_sec"`
	HeartbeatLimit       int `yaml:"heartbeat_limit"`
	PrepareDelayMs       int `yaml:"prepare_delay_ms"`
	WaitThenPunchDelayMs int `yaml:"wait_then_punch_delay_ms"`
	PunchAttempts        int `yaml:"punch_attempts"`
	PunchIntervalMs      int `yaml:"punch_interval_ms"`
	SessionTimeoutSec    int `yaml:"session_timeout_sec"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Probe == nil && cfg.Coordinator == nil && cfg.Client == nil {
		return fmt.Errorf("config must contain probe, coordinator or client section")
	}
	if p := cfg.Probe; p != nil {
		switch p.Role {
		case RolePrimary:
			if p.RelayTo == "" {
				return fmt.Errorf("probe.relay_to is required for the primary host")
			}
		case RoleSecondary:
			if p.AllowFrom == "" {
				return fmt.Errorf("probe.allow_from is required for the secondary host")
			}
		default:
			return fmt.Errorf("probe.role must be %q or %q", RolePrimary, RoleSecondary)
		}
	}
	if cfg.Coordinator != nil && cfg.Coordinator.Listen == "" {
		return fmt.Errorf("coordinator.listen is required")
	}
	if c := cfg.Client; c != nil {
		if c.Coordinator == "" {
			return fmt.Errorf("client.coordinator is required")
		}
		if c.NATType == "" && (c.Primary.Host == "" || c.Secondary.Host == "") {
			return fmt.Errorf("client.primary.host and client.secondary.host are required unless client.nat_type is set")
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Probe != nil {
		p := cfg.Probe
		p.Role = strings.ToLower(strings.TrimSpace(p.Role))
		if p.PrimaryListen == "" {
			p.PrimaryListen = fmt.Sprintf(":%d", DefaultProbePort)
		}
		if p.SecondaryListen == "" {
			p.SecondaryListen = fmt.Sprintf(":%d", DefaultProbeAltPort)
		}
		if p.ControlListen == "" {
			p.ControlListen = fmt.Sprintf(":%d", DefaultProbeControlPort)
		}
		if p.AnswerSTUN == nil {
			v := true
			p.AnswerSTUN = &v
		}
		if p.RegistrySize == 0 {
			p.RegistrySize = DefaultRegistrySize
		}
		if p.RegistryTTLSec == 0 {
			p.RegistryTTLSec = DefaultRegistryTTLSec
		}
	}

	if cfg.Coordinator != nil {
		c := cfg.Coordinator
		if c.Listen == "" {
			c.Listen = fmt.Sprintf(":%d", DefaultCoordinatorPort)
		}
		if c.MemberTimeoutSec == 0 {
			c.MemberTimeoutSec = DefaultMemberTimeoutSec
		}
		if c.SweepIntervalSec == 0 {
			c.SweepIntervalSec = DefaultSweepIntervalSec
		}
	}

	if cfg.Client != nil {
		applyClientDefaults(cfg.Client)
	}
}

func applyClientDefaults(c *ClientConfig) {
	if c.Group == "" {
		c.Group = DefaultGroup
	}
	if c.Listen == "" {
		c.Listen = ":0"
	}
	for _, h := range []*ProbeHost{&c.Primary, &c.Secondary} {
		if h.Port == 0 {
			h.Port = DefaultProbePort
		}
		if h.AltPort == 0 {
			h.AltPort = DefaultProbeAltPort
		}
	}
	setDefault(&c.Phase1TimeoutMs, DefaultPhase1TimeoutMs)
	setDefault(&c.Phase1Attempts, DefaultPhase1Attempts)
	setDefault(&c.Phase2TimeoutMs, DefaultPhase2TimeoutMs)
	setDefault(&c.Phase2Attempts, DefaultPhase2Attempts)
	setDefault(&c.RegisterTimeoutMs, DefaultRegisterTimeoutMs)
	setDefault(&c.RegisterAttempts, DefaultRegisterAttempts)
	setDefault(&c.KeepaliveSec, DefaultKeepaliveSec)
	setDefault(&c.ConsistencySec, DefaultConsistencySec)
	setDefault(&c.HeartbeatSec, DefaultHeartbeatSec)
	setDefault(&c.HeartbeatLimit, DefaultHeartbeatLimit)
	setDefault(&c.PrepareDelayMs, DefaultPrepareDelayMs)
	setDefault(&c.WaitThenPunchDelayMs, DefaultWaitThenPunchMs)
	setDefault(&c.PunchAttempts, DefaultPunchAttempts)
	setDefault(&c.PunchIntervalMs, DefaultPunchIntervalMs)
	setDefault(&c.SessionTimeoutSec, DefaultSessionTimeoutSec)
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// MemberTimeout is how long a silent member stays registered.
func (c CoordinatorConfig) MemberTimeout() time.Duration {
	return time.Duration(c.MemberTimeoutSec) * time.Second
}

func (c CoordinatorConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// RegistryTTL is the idle time after which a seen client is forgotten.
func (p ProbeConfig) RegistryTTL() time.Duration {
	return time.Duration(p.RegistryTTLSec) * time.Second
}

func ms(v int) time.Duration  { return time.Duration(v) * time.Millisecond }
func sec(v int) time.Duration { return time.Duration(v) * time.Second }

func (c ClientConfig) Phase1Timeout() time.Duration      { return ms(c.Phase1TimeoutMs) }
func (c ClientConfig) Phase2Timeout() time.Duration      { return ms(c.Phase2TimeoutMs) }
func (c ClientConfig) RegisterTimeout() time.Duration    { return ms(c.RegisterTimeoutMs) }
func (c ClientConfig) Keepalive() time.Duration          { return sec(c.KeepaliveSec) }
func (c ClientConfig) ConsistencyInterval() time.Duration { return sec(c.ConsistencySec) }
func (c ClientConfig) HeartbeatInterval() time.Duration  { return sec(c.HeartbeatSec) }
func (c ClientConfig) PrepareDelay() time.Duration       { return ms(c.PrepareDelayMs) }
func (c ClientConfig) WaitThenPunchDelay() time.Duration { return ms(c.WaitThenPunchDelayMs) }
func (c ClientConfig) PunchInterval() time.Duration      { return ms(c.PunchIntervalMs) }
func (c ClientConfig) SessionTimeout() time.Duration     { return sec(c.SessionTimeoutSec) }
