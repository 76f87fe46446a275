package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelfront/redirector/internal/admin"
	"github.com/tunnelfront/redirector/internal/config"
	"github.com/tunnelfront/redirector/internal/dialer"
	"github.com/tunnelfront/redirector/internal/health"
	"github.com/tunnelfront/redirector/internal/metrics"
	"github.com/tunnelfront/redirector/internal/registry"
	"github.com/tunnelfront/redirector/internal/relay"
	"github.com/tunnelfront/redirector/internal/telemetry"
	"github.com/tunnelfront/redirector/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = pflag.String("config", "config.yaml", "Path to the YAML configuration file")
		adminListen  = pflag.String("admin-listen", "", "Admin HTTP listen address, overriding the config file. Empty uses the config value.")
		tcpKeepAlive = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
		verbose      = pflag.Bool("verbose", false, "Enable debug logging")
		workerRule   = pflag.String("worker-rule", "", "Serve only the named rule (set internally on worker processes)")
	)

	_ = pflag.CommandLine.MarkHidden("worker-rule")
	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *adminListen != "" {
		cfg.Admin.Listen = *adminListen
	}

	isWorker := *workerRule != ""
	rules := cfg.Rules
	if isWorker {
		r, ok := cfg.RuleByName(*workerRule)
		if !ok {
			return fmt.Errorf("unknown --worker-rule %q", *workerRule)
		}
		rules = []config.Rule{r}
	}
	spawning := cfg.Workers.Spawn && !isWorker

	dialCfg := dialer.Config{
		DialTimeout: cfg.Limits.DialTimeout.Std(),
		KeepAlive:   ka,
	}
	tunnelDialer, err := dialer.New(dialCfg, cfg.Tunnel.SOCKS5Proxy)
	if err != nil {
		return fmt.Errorf("invalid tunnel socks5_proxy: %w", err)
	}
	// SOCKS5 cannot carry UDP associations here; UDP rules dial direct.
	directDialer := dialer.NewDirectDialer(dialCfg)

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := registry.New(cfg.Limits.RegistryCap)
	g.Go(func() error {
		return reg.Run(ctx, cfg.Limits.SweepInterval.Std())
	})

	counters := &relay.Counters{}
	webAgg := metrics.NewAggregator(cfg.Limits.ReservoirSize)
	l2nAgg := metrics.NewAggregator(cfg.Limits.ReservoirSize)

	queueCap := cfg.Limits.EventQueueCap
	accessQ := telemetry.NewQueue[telemetry.AccessEvent](queueCap)
	clientErrQ := telemetry.NewQueue[telemetry.ErrorEvent](queueCap)
	tunnelErrQ := telemetry.NewQueue[telemetry.ErrorEvent](queueCap)
	warnQ := telemetry.NewQueue[telemetry.WarningEvent](queueCap)

	sinks := relay.Sinks{
		Client:       webAgg,
		Tunnel:       l2nAgg,
		Access:       accessQ,
		ClientErrors: clientErrQ,
		TunnelErrors: tunnelErrQ,
		Warnings:     warnQ,
	}

	// Forwarding, unless this is the parent of spawned workers.
	if !spawning {
		ports := make([]int, 0, len(rules))
		for _, rule := range rules {
			rcfg := relay.Config{
				Dialer:       tunnelDialer,
				UpstreamAddr: rule.UpstreamAddr(cfg.Tunnel.Host),
				KeepAlive:    ka,
				IdleTimeout:  cfg.Limits.IdleTimeout.Std(),
				MaxDuration:  cfg.Limits.MaxConnDuration.Std(),
				MaxConns:     cfg.Limits.MaxConnsPerPort,
				UDPIdleTTL:   cfg.Limits.UDPIdleTTL.Std(),
				Sinks:        sinks,
				Counters:     counters,
			}

			switch rule.Protocol {
			case "udp":
				rcfg.Dialer = directDialer
				u := relay.NewUDPRelay(rcfg, rule.ListenPort)
				if err := u.Listen(); err != nil {
					return err
				}
				g.Go(func() error {
					err := u.Serve(ctx)
					u.Shutdown(cfg.Limits.DrainGrace.Std())
					return err
				})
			default:
				s := relay.NewTCPRelay(rcfg, rule.ListenPort)
				if err := s.Listen(); err != nil {
					return err
				}
				g.Go(func() error {
					err := s.Serve(ctx)
					s.Shutdown(cfg.Limits.DrainGrace.Std())
					return err
				})
			}

			ports = append(ports, rule.ListenPort)
			logrus.WithFields(logrus.Fields{
				"rule":     rule.Name,
				"protocol": rule.Protocol,
				"port":     rule.ListenPort,
				"upstream": rule.UpstreamAddr(cfg.Tunnel.Host),
			}).Info("forwarding")
		}
		reg.Register(os.Getpid(), ports)
	} else {
		sup := &worker.Supervisor{ConfigPath: *configPath, Registry: reg}
		if err := sup.Start(ctx, g, cfg.Rules); err != nil {
			return err
		}
	}

	// Health probing runs where the health streams are pushed from: the
	// parent when spawning (it alone watches the worker registry),
	// otherwise the single process. Workers never probe.
	var reporter *health.Reporter
	if !isWorker {
		targets := make([]health.Target, 0, len(cfg.Rules))
		for _, rule := range cfg.Rules {
			targets = append(targets, health.Target{
				Port:    rule.ListenPort,
				Network: rule.Protocol,
				Addr:    rule.UpstreamAddr(cfg.Tunnel.Host),
			})
		}
		reporter = health.New(health.Config{
			Interval: cfg.Limits.ProbeInterval.Std(),
			Timeout:  cfg.Limits.ProbeTimeout.Std(),
		}, targets, tunnelProbeAddr(cfg))
		reporter.SetWorkerLiveness(func(port int) bool { return reg.LivePorts()[port] })
		g.Go(func() error {
			return reporter.Run(ctx)
		})
	}

	var pusher *telemetry.Pusher
	if cfg.Telemetry.BaseURL != "" {
		client := telemetry.NewClient(cfg.Telemetry.BaseURL, cfg.Telemetry.AuthToken, 10*time.Second)
		pusher = telemetry.NewPusher(client, buildStreams(cfg, spawning, isWorker, webAgg, l2nAgg, accessQ, clientErrQ, tunnelErrQ, warnQ, reporter))
		g.Go(func() error {
			return pusher.Run(ctx)
		})
	}

	if !isWorker && cfg.Admin.Listen != "" {
		handler := admin.New(admin.Deps{
			StartedAt: time.Now(),
			Counters:  counters,
			PushedBatches: func() uint64 {
				if pusher == nil {
					return 0
				}
				return pusher.PushedBatches()
			},
			DroppedBatches: func() uint64 {
				if pusher == nil {
					return 0
				}
				return pusher.DroppedBatches()
			},
			QueueDrops: func() uint64 {
				return accessQ.Dropped() + clientErrQ.Dropped() + tunnelErrQ.Dropped() + warnQ.Dropped()
			},
			Workers:       reg.Snapshot,
			PrunedWorkers: reg.PrunedTotal,
		})
		srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
		ln, err := relay.ListenTCP("tcp", cfg.Admin.Listen, ka)
		if err != nil {
			return fmt.Errorf("admin listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = srv.Close()
			_ = ln.Close()
		})
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil {
				return fmt.Errorf("admin serve: %w", err)
			}
			return nil
		})
		logrus.WithField("addr", cfg.Admin.Listen).Info("admin listening")
	}

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	logrus.Info("shutting down")
	return err
}

// buildStreams assembles this process's telemetry streams. A spawning
// parent pushes the port-health and tunnel-health streams, since only it
// watches the worker registry; workers push the forwarding streams for
// their rule and no health at all. A single process pushes everything.
func buildStreams(cfg *config.Config, spawning, isWorker bool,
	webAgg, l2nAgg *metrics.Aggregator,
	accessQ *telemetry.Queue[telemetry.AccessEvent],
	clientErrQ, tunnelErrQ *telemetry.Queue[telemetry.ErrorEvent],
	warnQ *telemetry.Queue[telemetry.WarningEvent],
	reporter *health.Reporter,
) []telemetry.Stream {
	iv := cfg.Telemetry.Intervals
	var streams []telemetry.Stream

	if !spawning {
		streams = append(streams,
			telemetry.MetricsStream("web", iv.Web.Std(), telemetry.PathWeb, webAgg.Drain),
			telemetry.MetricsStream("l2n", iv.L2N.Std(), telemetry.PathL2N, l2nAgg.Drain),
			telemetry.ErrorStream("errors-web", iv.ErrorsWeb.Std(), telemetry.PathErrorsWeb, clientErrQ),
			telemetry.ErrorStream("errors-l2n", iv.ErrorsL2N.Std(), telemetry.PathErrorsL2N, tunnelErrQ),
			telemetry.EventStream("warnings", iv.Warnings.Std(), telemetry.PathWarnings, warnQ),
			telemetry.EventStream("succeeded", iv.Succeeded.Std(), telemetry.PathSucceeded, accessQ),
		)
	}

	if !isWorker {
		streams = append(streams,
			telemetry.CollectorStream("health", iv.Health.Std(), func() []telemetry.Batch {
				reports := reporter.PortReports()
				batches := make([]telemetry.Batch, 0, len(reports))
				for _, rep := range reports {
					batches = append(batches, telemetry.Batch{
						Path:    telemetry.PathHealth(rep.Port),
						Records: []telemetry.PortHealth{rep},
						Count:   1,
					})
				}
				return batches
			}),
			telemetry.CollectorStream("tunnel-health", iv.TunnelHealth.Std(), func() []telemetry.Batch {
				rep := reporter.TunnelReport()
				if rep == nil {
					return nil
				}
				return []telemetry.Batch{{
					Path:    telemetry.PathTunnelHealth,
					Records: []telemetry.TunnelHealth{*rep},
					Count:   1,
				}}
			}),
		)
	}

	return streams
}

// tunnelProbeAddr picks the endpoint whose reachability stands in for the
// tunnel as a whole: the SOCKS5 hop when one is configured, otherwise the
// first TCP rule's upstream.
func tunnelProbeAddr(cfg *config.Config) string {
	if cfg.Tunnel.SOCKS5Proxy != "" {
		addr := strings.TrimPrefix(cfg.Tunnel.SOCKS5Proxy, "socks5://")
		if !strings.Contains(addr, ":") {
			addr = net.JoinHostPort(addr, "1080")
		}
		return addr
	}
	for _, rule := range cfg.Rules {
		if rule.Protocol == "tcp" {
			return rule.UpstreamAddr(cfg.Tunnel.Host)
		}
	}
	return ""
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}
