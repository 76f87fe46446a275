// Package worker spawns and tracks child worker processes, one per
// forwarding rule. Children share no memory with the parent or with each
// other; the parent learns of their death by registry PID polling, not exit
// callbacks.
package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelfront/redirector/internal/config"
	"github.com/tunnelfront/redirector/internal/registry"
)

// Supervisor re-execs this binary once per rule with --worker-rule and
// registers each child PID.
type Supervisor struct {
	ConfigPath string
	Registry   *registry.Registry
}

// Start launches one worker per rule. Worker death is not fatal to the
// parent and workers are not restarted: the registry sweep reaps the entry
// and the port shows unhealthy until an operator intervenes.
func (s *Supervisor) Start(ctx context.Context, g *errgroup.Group, rules []config.Rule) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	for _, rule := range rules {
		cmd := exec.CommandContext(ctx, exe, "--config", s.ConfigPath, "--worker-rule", rule.Name)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start worker for rule %q: %w", rule.Name, err)
		}

		pid := cmd.Process.Pid
		s.Registry.Register(pid, []int{rule.ListenPort})
		logrus.WithFields(logrus.Fields{
			"rule": rule.Name,
			"port": rule.ListenPort,
			"pid":  pid,
		}).Info("worker started")

		g.Go(func() error {
			err := cmd.Wait()
			if err != nil && ctx.Err() == nil {
				logrus.WithFields(logrus.Fields{
					"rule": rule.Name,
					"pid":  pid,
				}).WithError(err).Warn("worker exited")
			}
			return nil
		})
	}
	return nil
}
