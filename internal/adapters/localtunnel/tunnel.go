// Package localtunnel runs the localtunnel CLI (`lt`) as the tunnel
// provider. Each tunnel writes its output to tunnel.log inside the
// deployment directory and its pid to tunnel.pid; the public URL is parsed
// out of the log exactly once per start.
package localtunnel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"deployd/internal/config"
	"deployd/internal/core/deployments"

	"github.com/rs/zerolog"
)

const (
	logName  = "tunnel.log"
	pidName  = "tunnel.pid"
	pollTick = 500 * time.Millisecond
	urlWait  = 30 * time.Second
)

var urlPattern = regexp.MustCompile(`your url is: (https://\S+)`)

// proc tracks a tunnel process this runner spawned, so exits are reaped and
// exit codes observable.
type proc struct {
	cmd  *exec.Cmd
	done chan struct{}
	code int
}

type Runner struct {
	bin string
	lg  zerolog.Logger

	mu    sync.Mutex
	procs map[int]*proc
}

func New(cfg config.Config, lg zerolog.Logger) *Runner {
	return &Runner{
		bin:   cfg.TunnelBin,
		lg:    lg.With().Str("adapter", "localtunnel").Logger(),
		procs: make(map[int]*proc),
	}
}

// Start launches a tunnel bound to the deployment's port and waits for it
// to report its public URL.
func (r *Runner) Start(ctx context.Context, d deployments.Deployment) (deployments.TunnelRef, error) {
	logPath := filepath.Join(d.Directory, logName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return deployments.TunnelRef{}, fmt.Errorf("create tunnel log: %w", err)
	}
	defer logFile.Close()

	sub := Subdomain(d.APIName, d.ID)
	cmd := exec.Command(r.bin, "--port", strconv.Itoa(d.Port), "--subdomain", sub)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return deployments.TunnelRef{}, fmt.Errorf("%w: %v", deployments.ErrTunnelStart, err)
	}

	pid := cmd.Process.Pid
	p := &proc{cmd: cmd, done: make(chan struct{})}
	r.mu.Lock()
	r.procs[pid] = p
	r.mu.Unlock()
	go func() {
		err := cmd.Wait()
		if exit, ok := err.(*exec.ExitError); ok {
			p.code = exit.ExitCode()
		}
		close(p.done)
		r.mu.Lock()
		delete(r.procs, pid)
		r.mu.Unlock()
	}()

	pidPath := filepath.Join(d.Directory, pidName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		r.lg.Warn().Err(err).Str("path", pidPath).Msg("write tunnel pid file")
	}

	url, err := r.awaitURL(ctx, p, logPath)
	if err != nil {
		r.kill(pid)
		return deployments.TunnelRef{}, err
	}

	r.lg.Info().Int("pid", pid).Str("url", url).Str("deployment_id", d.ID).Msg("tunnel up")
	return deployments.TunnelRef{PID: pid, PublicURL: url, LogPath: logPath}, nil
}

// awaitURL polls the tunnel log until the URL line appears, the process
// exits, or the bound elapses.
func (r *Runner) awaitURL(ctx context.Context, p *proc, logPath string) (string, error) {
	deadline := time.NewTimer(urlWait)
	defer deadline.Stop()
	tick := time.NewTicker(pollTick)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %v", deployments.ErrTunnelTimeout, ctx.Err())
			}
			return "", fmt.Errorf("await tunnel url: %w", ctx.Err())
		case <-deadline.C:
			return "", deployments.ErrTunnelTimeout
		case <-p.done:
			return "", fmt.Errorf("%w: process exited with code %d before reporting a URL",
				deployments.ErrTunnelStart, p.code)
		case <-tick.C:
			data, err := os.ReadFile(logPath)
			if err != nil {
				continue
			}
			if url := ParseURL(string(data)); url != "" {
				return url, nil
			}
		}
	}
}

// Status reports tunnel process liveness. Tunnels adopted from a previous
// process incarnation are probed by pid.
func (r *Runner) Status(_ context.Context, ref deployments.TunnelRef) (deployments.TunnelState, error) {
	if ref.PID == 0 {
		return deployments.TunnelState{Phase: deployments.TunnelMissing}, nil
	}
	r.mu.Lock()
	p, ours := r.procs[ref.PID]
	r.mu.Unlock()
	if ours {
		select {
		case <-p.done:
			return deployments.TunnelState{Phase: deployments.TunnelExited, ExitCode: p.code}, nil
		default:
			return deployments.TunnelState{Phase: deployments.TunnelRunning}, nil
		}
	}
	// Signal 0 probes existence without touching the process.
	if err := syscall.Kill(ref.PID, 0); err != nil {
		return deployments.TunnelState{Phase: deployments.TunnelMissing}, nil
	}
	return deployments.TunnelState{Phase: deployments.TunnelRunning}, nil
}

// Stop terminates the tunnel process. Idempotent: a dead or unknown pid is
// not an error.
func (r *Runner) Stop(_ context.Context, ref deployments.TunnelRef) error {
	if ref.PID == 0 {
		return nil
	}
	r.kill(ref.PID)
	return nil
}

func (r *Runner) kill(pid int) {
	r.mu.Lock()
	p, ours := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()
	if ours {
		_ = p.cmd.Process.Kill()
		<-p.done
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

// ParseURL extracts the public URL from localtunnel output, empty when not
// reported yet.
func ParseURL(logContent string) string {
	if m := urlPattern.FindStringSubmatch(logContent); m != nil {
		return m[1]
	}
	return ""
}

// Subdomain derives the per-deployment subdomain: sanitized api name plus a
// deployment id prefix for uniqueness.
func Subdomain(apiName, deploymentID string) string {
	safe := strings.ToLower(strings.ReplaceAll(apiName, " ", "-"))
	suffix := deploymentID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return safe + "-" + suffix
}
