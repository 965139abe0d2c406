package deployments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deployd/internal/config"

	"github.com/rs/zerolog"
)

const checkTimeout = 15 * time.Second

// Monitor periodically reconciles recorded deployment state against live
// container and tunnel state. Checks for different deployments run
// concurrently; a check never runs concurrently with a controller-driven
// transition for the same deployment (it skips instead of queueing).
type Monitor struct {
	mgr          *Manager
	interval     time.Duration
	startTimeout time.Duration
	tunnelPolicy config.TunnelPolicyType
	lg           zerolog.Logger
	now          func() time.Time
}

func NewMonitor(mgr *Manager, cfg config.Config, lg zerolog.Logger) *Monitor {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 30 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Minute
	}
	return &Monitor{
		mgr:          mgr,
		interval:     cfg.MonitorInterval,
		startTimeout: cfg.StartTimeout,
		tunnelPolicy: cfg.TunnelPolicy,
		lg:           lg.With().Str("component", "monitor").Logger(),
		now:          time.Now,
	}
}

// Run executes the reconciliation loop until the context is cancelled.
func (mo *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(mo.interval)
	defer ticker.Stop()

	mo.lg.Info().Dur("interval", mo.interval).Msg("monitor started")
	for {
		select {
		case <-ctx.Done():
			mo.lg.Info().Msg("monitor stopped")
			return
		case <-ticker.C:
			mo.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles every tracked deployment and waits for all checks.
func (mo *Monitor) RunOnce(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range mo.mgr.reg.List() {
		if d.Status == StatusStopped || d.Status == StatusFailed {
			continue
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			mo.check(opCtx, id)
		}(d.ID)
	}
	wg.Wait()
}

func (mo *Monitor) check(ctx context.Context, id string) {
	t, ok, err := mo.mgr.reg.tryBeginOp(id)
	if err != nil || !ok {
		return // removed, or a transition is in flight
	}
	defer t.op.Unlock()

	d := t.snapshot()
	switch d.Status {
	case StatusRunning, StatusContainerReady:
		mo.checkLive(ctx, t, d)
	case StatusPending, StatusContainerStarting, StatusTunnelStarting, StatusStopping:
		mo.checkStuck(ctx, t, d)
	}
}

// checkLive verifies that a deployment believed healthy still has a live
// container and tunnel.
func (mo *Monitor) checkLive(ctx context.Context, t *tracked, d Deployment) {
	cs, err := mo.mgr.runtime.Status(ctx, d.ContainerRef)
	if err != nil {
		// Runtime unreachable says nothing about the deployment itself.
		mo.lg.Warn().Err(err).Str("deployment_id", d.ID).Msg("container status check")
		return
	}
	switch cs.Phase {
	case ContainerMissing:
		_ = mo.mgr.failLocked(ctx, t, fmt.Errorf("container %s disappeared", d.ContainerRef))
		return
	case ContainerExited:
		_ = mo.mgr.failLocked(ctx, t, fmt.Errorf("container exited with code %d", cs.ExitCode))
		return
	}

	if d.Status == StatusRunning {
		ts, err := mo.mgr.tunnel.Status(ctx, d.Tunnel())
		if err != nil {
			mo.lg.Warn().Err(err).Str("deployment_id", d.ID).Msg("tunnel status check")
			return
		}
		if ts.Phase != TunnelRunning {
			mo.tunnelDown(ctx, t, d, ts)
			return
		}
	}

	checked := mo.now().UTC()
	t.update(func(d *Deployment) { d.LastCheckedAt = &checked })
}

// tunnelDown handles a dead tunnel under a healthy container: restart it
// when the policy allows, otherwise the deployment is unreachable and fails.
func (mo *Monitor) tunnelDown(ctx context.Context, t *tracked, d Deployment, ts TunnelState) {
	if mo.tunnelPolicy == config.TunnelPolicyRestart {
		mo.lg.Warn().Str("deployment_id", d.ID).Msg("tunnel died, restarting per policy")
		tref, err := mo.mgr.tunnel.Start(ctx, d)
		if err == nil {
			checked := mo.now().UTC()
			t.update(func(d *Deployment) {
				d.TunnelPID = tref.PID
				d.PublicURL = tref.PublicURL
				d.LastCheckedAt = &checked
			})
			mo.mgr.persist(t.snapshot())
			return
		}
		mo.lg.Error().Err(err).Str("deployment_id", d.ID).Msg("tunnel restart failed")
	}
	_ = mo.mgr.failLocked(ctx, t, fmt.Errorf("tunnel %s (pid %d)", ts.Phase, d.TunnelPID))
}

// checkStuck tears down deployments wedged in a transitional state longer
// than the start timeout. The operation lock was free, so whatever drove the
// transition is gone.
func (mo *Monitor) checkStuck(ctx context.Context, t *tracked, d Deployment) {
	since := d.UpdatedAt
	if since.IsZero() {
		since = d.CreatedAt
	}
	age := mo.now().UTC().Sub(since)
	if age <= mo.startTimeout {
		return
	}
	mo.lg.Warn().Str("deployment_id", d.ID).Str("status", string(d.Status)).
		Dur("age", age).Msg("deployment stuck, tearing down")
	_ = mo.mgr.failLocked(ctx, t, fmt.Errorf("stuck in %s for %s", d.Status, age.Round(time.Second)))
}
