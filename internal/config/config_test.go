package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
rules:
  - name: web
    listen_port: 8080
    protocol: tcp
    upstream_port: 9080
  - name: dns
    listen_port: 5353
    protocol: udp
    upstream_host: 10.1.2.3
    upstream_port: 53
tunnel:
  host: 10.0.0.5
telemetry:
  base_url: http://collector.internal:8000
  auth_token: sekrit
  intervals:
    web: 5s
limits:
  registry_cap: 64
  idle_timeout: 90s
admin:
  listen: 127.0.0.1:9900
`

func TestParseValid(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(cfg.Rules))
	}
	if got := cfg.Rules[0].UpstreamAddr(cfg.Tunnel.Host); got != "10.0.0.5:9080" {
		t.Fatalf("rule web upstream = %q", got)
	}
	if got := cfg.Rules[1].UpstreamAddr(cfg.Tunnel.Host); got != "10.1.2.3:53" {
		t.Fatalf("rule dns upstream = %q", got)
	}
	if got := cfg.Telemetry.Intervals.Web.Std(); got != 5*time.Second {
		t.Fatalf("web interval = %v", got)
	}
	// Unset interval gets its default.
	if got := cfg.Telemetry.Intervals.Warnings.Std(); got != 30*time.Second {
		t.Fatalf("warnings interval = %v", got)
	}
	if cfg.Limits.RegistryCap != 64 {
		t.Fatalf("registry cap = %d", cfg.Limits.RegistryCap)
	}
	if got := cfg.Limits.IdleTimeout.Std(); got != 90*time.Second {
		t.Fatalf("idle timeout = %v", got)
	}
	if cfg.Limits.ReservoirSize != 1000 {
		t.Fatalf("reservoir size default = %d", cfg.Limits.ReservoirSize)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no rules",
			yaml: "admin:\n  listen: 127.0.0.1:9900\n",
			want: "no forwarding rules",
		},
		{
			name: "bad protocol",
			yaml: "rules:\n  - name: x\n    listen_port: 1000\n    protocol: sctp\n    upstream_host: h\n    upstream_port: 2000\n",
			want: "protocol must be tcp or udp",
		},
		{
			name: "bad listen port",
			yaml: "rules:\n  - name: x\n    listen_port: 70000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2000\n",
			want: "invalid listen_port",
		},
		{
			name: "no upstream host anywhere",
			yaml: "rules:\n  - name: x\n    listen_port: 1000\n    protocol: tcp\n    upstream_port: 2000\n",
			want: "no upstream_host and no tunnel host",
		},
		{
			name: "duplicate listen port",
			yaml: "rules:\n  - name: a\n    listen_port: 1000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2000\n  - name: b\n    listen_port: 1000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2001\n",
			want: "already used",
		},
		{
			name: "bad socks5 scheme",
			yaml: "rules:\n  - name: x\n    listen_port: 1000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2000\ntunnel:\n  socks5_proxy: http://hop:1080\n",
			want: "expected socks5://",
		},
		{
			name: "bad telemetry scheme",
			yaml: "rules:\n  - name: x\n    listen_port: 1000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2000\ntelemetry:\n  base_url: ftp://collector\n",
			want: "expected http or https",
		},
		{
			name: "bad duration",
			yaml: "rules:\n  - name: x\n    listen_port: 1000\n    protocol: tcp\n    upstream_host: h\n    upstream_port: 2000\nlimits:\n  idle_timeout: ninety\n",
			want: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestRuleByName(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatal(err)
	}
	r, ok := cfg.RuleByName("dns")
	if !ok || r.ListenPort != 5353 {
		t.Fatalf("RuleByName(dns) = %+v, %v", r, ok)
	}
	if _, ok := cfg.RuleByName("nope"); ok {
		t.Fatal("expected miss")
	}
}
