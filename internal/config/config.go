package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so intervals can be written as "5s" or "2m"
// in the YAML config.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Rule is one forwarding rule, immutable for the process lifetime.
type Rule struct {
	Name         string `yaml:"name"`
	ListenPort   int    `yaml:"listen_port"`
	Protocol     string `yaml:"protocol"` // tcp or udp
	UpstreamHost string `yaml:"upstream_host"`
	UpstreamPort int    `yaml:"upstream_port"`
}

// UpstreamAddr returns the host:port this rule forwards to, falling back to
// defaultHost when the rule does not name its own upstream host.
func (r Rule) UpstreamAddr(defaultHost string) string {
	host := r.UpstreamHost
	if host == "" {
		host = defaultHost
	}
	return net.JoinHostPort(host, strconv.Itoa(r.UpstreamPort))
}

// Tunnel describes how to reach the private backend.
type Tunnel struct {
	Host string `yaml:"host"`
	// SOCKS5Proxy optionally routes TCP forwarding through an intermediate
	// SOCKS5 hop (socks5://host:port). UDP rules always dial direct.
	SOCKS5Proxy string `yaml:"socks5_proxy"`
}

// Intervals holds the flush cadence for each telemetry stream.
type Intervals struct {
	Web          Duration `yaml:"web"`
	L2N          Duration `yaml:"l2n"`
	ErrorsWeb    Duration `yaml:"errors_web"`
	ErrorsL2N    Duration `yaml:"errors_l2n"`
	Warnings     Duration `yaml:"warnings"`
	Succeeded    Duration `yaml:"succeeded"`
	Health       Duration `yaml:"health"`
	TunnelHealth Duration `yaml:"tunnel_health"`
}

// Telemetry configures the backend collector.
type Telemetry struct {
	BaseURL   string    `yaml:"base_url"`
	AuthToken string    `yaml:"auth_token"`
	Intervals Intervals `yaml:"intervals"`
}

// Limits bounds resource usage.
type Limits struct {
	RegistryCap     int      `yaml:"registry_cap"`
	ReservoirSize   int      `yaml:"reservoir_size"`
	EventQueueCap   int      `yaml:"event_queue_cap"`
	MaxConnsPerPort int      `yaml:"max_conns_per_port"`
	DialTimeout     Duration `yaml:"dial_timeout"`
	IdleTimeout     Duration `yaml:"idle_timeout"`
	MaxConnDuration Duration `yaml:"max_conn_duration"`
	UDPIdleTTL      Duration `yaml:"udp_idle_ttl"`
	SweepInterval   Duration `yaml:"sweep_interval"`
	ProbeInterval   Duration `yaml:"probe_interval"`
	ProbeTimeout    Duration `yaml:"probe_timeout"`
	DrainGrace      Duration `yaml:"drain_grace"`
}

// Admin configures the local read-only operator surface.
type Admin struct {
	Listen string `yaml:"listen"`
}

// Workers configures multi-process operation.
type Workers struct {
	// Spawn runs one child worker process per rule instead of serving all
	// rules from this process.
	Spawn bool `yaml:"spawn"`
}

type Config struct {
	Rules     []Rule    `yaml:"rules"`
	Tunnel    Tunnel    `yaml:"tunnel"`
	Telemetry Telemetry `yaml:"telemetry"`
	Limits    Limits    `yaml:"limits"`
	Admin     Admin     `yaml:"admin"`
	Workers   Workers   `yaml:"workers"`
}

// Load reads, parses, and validates the config file, applying defaults for
// anything unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates raw YAML config bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	iv := &c.Telemetry.Intervals
	defaultInterval(&iv.Web, 10*time.Second)
	defaultInterval(&iv.L2N, 10*time.Second)
	defaultInterval(&iv.ErrorsWeb, 15*time.Second)
	defaultInterval(&iv.ErrorsL2N, 15*time.Second)
	defaultInterval(&iv.Warnings, 30*time.Second)
	defaultInterval(&iv.Succeeded, 10*time.Second)
	defaultInterval(&iv.Health, 30*time.Second)
	defaultInterval(&iv.TunnelHealth, 30*time.Second)

	l := &c.Limits
	if l.RegistryCap == 0 {
		l.RegistryCap = 128
	}
	if l.ReservoirSize == 0 {
		l.ReservoirSize = 1000
	}
	if l.EventQueueCap == 0 {
		l.EventQueueCap = 4096
	}
	if l.MaxConnsPerPort == 0 {
		l.MaxConnsPerPort = 1024
	}
	defaultInterval(&l.DialTimeout, 10*time.Second)
	defaultInterval(&l.IdleTimeout, 4*time.Minute)
	defaultInterval(&l.MaxConnDuration, 1*time.Hour)
	defaultInterval(&l.UDPIdleTTL, 2*time.Minute)
	defaultInterval(&l.SweepInterval, 15*time.Second)
	defaultInterval(&l.ProbeInterval, 30*time.Second)
	defaultInterval(&l.ProbeTimeout, 5*time.Second)
	defaultInterval(&l.DrainGrace, 10*time.Second)
}

func defaultInterval(d *Duration, v time.Duration) {
	if *d == 0 {
		*d = Duration(v)
	}
}

// Validate rejects configs the process cannot safely start with. Any error
// here is fatal: there is no partial-degraded startup.
func (c *Config) Validate() error {
	if len(c.Rules) == 0 {
		return errors.New("no forwarding rules configured")
	}

	seen := make(map[int]string, len(c.Rules))
	for i, r := range c.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule %d: missing name", i)
		}
		if r.ListenPort <= 0 || r.ListenPort > 65535 {
			return fmt.Errorf("rule %q: invalid listen_port %d", r.Name, r.ListenPort)
		}
		if r.Protocol != "tcp" && r.Protocol != "udp" {
			return fmt.Errorf("rule %q: protocol must be tcp or udp, got %q", r.Name, r.Protocol)
		}
		if r.UpstreamPort <= 0 || r.UpstreamPort > 65535 {
			return fmt.Errorf("rule %q: invalid upstream_port %d", r.Name, r.UpstreamPort)
		}
		if r.UpstreamHost == "" && c.Tunnel.Host == "" {
			return fmt.Errorf("rule %q: no upstream_host and no tunnel host", r.Name)
		}
		if prev, dup := seen[r.ListenPort]; dup {
			return fmt.Errorf("rule %q: listen_port %d already used by rule %q", r.Name, r.ListenPort, prev)
		}
		seen[r.ListenPort] = r.Name
	}

	if c.Tunnel.SOCKS5Proxy != "" {
		u, err := url.Parse(c.Tunnel.SOCKS5Proxy)
		if err != nil {
			return fmt.Errorf("tunnel socks5_proxy: %w", err)
		}
		if u.Scheme != "socks5" {
			return fmt.Errorf("tunnel socks5_proxy: expected socks5:// scheme, got %q", u.Scheme)
		}
		if u.Host == "" {
			return errors.New("tunnel socks5_proxy: missing host")
		}
	}

	if c.Telemetry.BaseURL != "" {
		u, err := url.Parse(c.Telemetry.BaseURL)
		if err != nil {
			return fmt.Errorf("telemetry base_url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("telemetry base_url: expected http or https, got %q", u.Scheme)
		}
	}

	return nil
}

// RuleByName returns the named rule, used by worker child processes.
func (c *Config) RuleByName(name string) (Rule, bool) {
	for _, r := range c.Rules {
		if r.Name == name {
			return r, true
		}
	}
	return Rule{}, false
}
