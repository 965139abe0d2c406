package deployments

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"deployd/internal/config"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager drives deployments through their lifecycle: allocate resources,
// start the container, start the tunnel, and on any failure roll back
// whatever was already acquired. It is the only writer of registry entries
// besides the monitor loop.
type Manager struct {
	reg     *Registry
	alloc   *Allocator
	runtime ContainerRuntime
	tunnel  TunnelRunner
	store   *Store
	cfg     config.Config
	lg      zerolog.Logger
	now     func() time.Time
}

func NewManager(reg *Registry, alloc *Allocator, runtime ContainerRuntime, tunnel TunnelRunner, store *Store, cfg config.Config, lg zerolog.Logger) *Manager {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Minute
	}
	return &Manager{
		reg:     reg,
		alloc:   alloc,
		runtime: runtime,
		tunnel:  tunnel,
		store:   store,
		cfg:     cfg,
		lg:      lg.With().Str("component", "deployment-manager").Logger(),
		now:     time.Now,
	}
}

// Deploy validates the request, allocates a port, name and directory, and
// records the deployment at pending. With wait the startup sequence runs
// inline and the final record (or the startup error) is returned; otherwise
// the sequence runs in the background and the pending record is returned
// immediately for polling.
func (m *Manager) Deploy(ctx context.Context, req Request, wait bool) (Deployment, error) {
	if err := validate(req); err != nil {
		return Deployment{}, err
	}

	id := uuid.NewString()
	port, err := m.alloc.AllocatePort()
	if err != nil {
		return Deployment{}, err
	}

	name, err := m.alloc.ReserveName(containerName(req.ModelID, id))
	if err != nil {
		m.alloc.ReleasePort(port)
		return Deployment{}, err
	}

	dir := filepath.Join(m.cfg.StorageDir, "deploy-"+id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.alloc.ReleasePort(port)
		m.alloc.ReleaseName(name)
		return Deployment{}, fmt.Errorf("create deployment dir: %w", err)
	}

	d := Deployment{
		ID:            id,
		ModelID:       req.ModelID,
		UserID:        req.UserID,
		APIName:       req.APIName,
		Port:          port,
		ContainerName: name,
		Status:        StatusPending,
		Directory:     dir,
		CreatedAt:     m.now().UTC(),
	}
	m.reg.Add(d)
	m.persist(d)

	m.lg.Info().Str("deployment_id", id).Str("model_id", req.ModelID).
		Int("port", port).Msg("deployment accepted")

	if wait {
		return m.runStartup(ctx, id, req)
	}
	go func() {
		if _, err := m.runStartup(context.Background(), id, req); err != nil {
			m.lg.Error().Err(err).Str("deployment_id", id).Msg("background startup failed")
		}
	}()
	return d, nil
}

// runStartup holds the deployment's operation lock for the whole sequence,
// so no teardown or monitor check interleaves with it. A cancellation
// request is honored at every step boundary and routes through the same
// cleanup path as a failure.
func (m *Manager) runStartup(ctx context.Context, id string, req Request) (Deployment, error) {
	t, err := m.reg.beginOp(id)
	if err != nil {
		return Deployment{}, err
	}
	defer t.op.Unlock()

	// A teardown can win the lock before an async startup runs at all. The
	// record is then already terminal and its resources released, so acting
	// on it would bind a port that no longer belongs to this deployment.
	if d := t.snapshot(); d.Status != StatusPending {
		return d, nil
	}

	if t.cancel.Load() {
		return m.teardownLocked(ctx, t, "cancelled before start"), nil
	}

	t.update(func(d *Deployment) { d.Status = StatusContainerStarting })
	m.persist(t.snapshot())

	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StartTimeout)
	defer cancel()

	ref, err := m.runtime.Start(stepCtx, t.snapshot(), req)
	if err != nil {
		return Deployment{}, m.failLocked(ctx, t, fmt.Errorf("start container: %w", err))
	}
	t.update(func(d *Deployment) {
		d.ContainerRef = ref
		d.Status = StatusContainerReady
	})
	m.persist(t.snapshot())

	if t.cancel.Load() {
		return m.teardownLocked(ctx, t, "cancelled during startup"), nil
	}

	t.update(func(d *Deployment) { d.Status = StatusTunnelStarting })
	m.persist(t.snapshot())

	tref, err := m.tunnel.Start(stepCtx, t.snapshot())
	if err != nil {
		return Deployment{}, m.failLocked(ctx, t, fmt.Errorf("start tunnel: %w", err))
	}
	t.update(func(d *Deployment) {
		done := m.now().UTC()
		d.TunnelPID = tref.PID
		d.PublicURL = tref.PublicURL
		d.Status = StatusRunning
		d.CompletedAt = &done
	})
	final := t.snapshot()
	m.persist(final)

	if t.cancel.Load() {
		return m.teardownLocked(ctx, t, "cancelled during startup"), nil
	}

	m.lg.Info().Str("deployment_id", id).Str("public_url", final.PublicURL).
		Dur("took", final.CompletedAt.Sub(final.CreatedAt)).Msg("deployment running")
	return final, nil
}

// failLocked records the failure, rolls back every resource acquired in this
// attempt and returns the original error. Rollback errors are logged, never
// escalated. Caller holds the operation lock.
//
// Pool release happens exactly once, on the transition out of the active
// states: a later explicit Stop on a failed deployment must not release a
// port number that may already belong to someone else.
func (m *Manager) failLocked(ctx context.Context, t *tracked, cause error) error {
	d := t.snapshot()
	m.lg.Error().Err(cause).Str("deployment_id", d.ID).Msg("deployment failed, rolling back")

	m.releaseRuntime(ctx, d)
	m.alloc.ReleasePort(d.Port)
	m.alloc.ReleaseName(d.ContainerName)

	t.update(func(d *Deployment) {
		done := m.now().UTC()
		d.Status = StatusFailed
		d.LastError = cause.Error()
		d.CompletedAt = &done
	})
	m.persist(t.snapshot())
	return cause
}

// Stop tears the deployment down: tunnel first so the public endpoint stops
// routing, then the container, then port and name go back to the pools. A
// startup in flight is preempted at its next step boundary. Stopping an
// already stopped deployment is not an error.
func (m *Manager) Stop(ctx context.Context, id string, wait bool) (Deployment, error) {
	if err := m.reg.requestCancel(id); err != nil {
		return Deployment{}, err
	}
	if !wait {
		go func() {
			if _, err := m.runTeardown(context.Background(), id); err != nil {
				m.lg.Error().Err(err).Str("deployment_id", id).Msg("background teardown failed")
			}
		}()
		return m.reg.Get(id)
	}
	return m.runTeardown(ctx, id)
}

func (m *Manager) runTeardown(ctx context.Context, id string) (Deployment, error) {
	t, err := m.reg.beginOp(id)
	if err != nil {
		return Deployment{}, err
	}
	defer t.op.Unlock()

	if d := t.snapshot(); d.Status == StatusStopped {
		return d, nil
	}
	return m.teardownLocked(ctx, t, ""), nil
}

// teardownLocked runs the teardown sequence. Caller holds the operation
// lock. reason, when set, lands in last_error (cancelled startups).
func (m *Manager) teardownLocked(ctx context.Context, t *tracked, reason string) Deployment {
	prior := t.snapshot().Status
	t.update(func(d *Deployment) { d.Status = StatusStopping })
	d := t.snapshot()
	m.persist(d)

	m.releaseRuntime(ctx, d)
	if prior != StatusFailed {
		m.alloc.ReleasePort(d.Port)
		m.alloc.ReleaseName(d.ContainerName)
	}

	t.update(func(d *Deployment) {
		done := m.now().UTC()
		d.Status = StatusStopped
		if reason != "" {
			d.LastError = reason
		}
		d.CompletedAt = &done
	})
	t.cancel.Store(false)
	final := t.snapshot()
	m.persist(final)

	m.lg.Info().Str("deployment_id", final.ID).Msg("deployment stopped")
	return final
}

// releaseRuntime stops tunnel then container, best effort.
func (m *Manager) releaseRuntime(ctx context.Context, d Deployment) {
	if d.TunnelPID != 0 {
		if err := m.tunnel.Stop(ctx, d.Tunnel()); err != nil {
			m.lg.Warn().Err(err).Str("deployment_id", d.ID).Msg("tunnel stop during cleanup")
		}
	}
	if d.ContainerRef != "" {
		if err := m.runtime.Stop(ctx, d.ContainerRef); err != nil {
			m.lg.Warn().Err(err).Str("deployment_id", d.ID).Msg("container stop during cleanup")
		}
	}
}

// Remove stops the deployment if needed, then deletes its directory, its
// stored record and its registry entry. This is the explicit cleanup
// operation; plain Stop retains artifacts for diagnostics.
func (m *Manager) Remove(ctx context.Context, id string) error {
	if _, err := m.Stop(ctx, id, true); err != nil {
		return err
	}
	d, err := m.reg.Get(id)
	if err != nil {
		return err
	}
	if d.Directory != "" {
		if err := os.RemoveAll(d.Directory); err != nil {
			m.lg.Warn().Err(err).Str("path", d.Directory).Msg("remove deployment directory")
		}
	}
	if err := m.store.Delete(id); err != nil {
		m.lg.Error().Err(err).Str("deployment_id", id).Msg("delete stored record")
	}
	m.reg.Remove(id)
	m.lg.Info().Str("deployment_id", id).Msg("deployment removed")
	return nil
}

// Get returns a snapshot of one deployment.
func (m *Manager) Get(id string) (Deployment, error) {
	return m.reg.Get(id)
}

// List returns snapshots of all deployments, newest first, optionally
// filtered by user and capped at limit.
func (m *Manager) List(userID string, limit int) []Deployment {
	all := m.reg.List()
	out := make([]Deployment, 0, len(all))
	for _, d := range all {
		if userID != "" && d.UserID != userID {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Logs fetches the deployment's container logs, best effort.
func (m *Manager) Logs(ctx context.Context, id string) (string, error) {
	d, err := m.reg.Get(id)
	if err != nil {
		return "", err
	}
	if d.ContainerRef == "" {
		return "", fmt.Errorf("deployment %s has no container yet: %w", id, ErrConflict)
	}
	return m.runtime.Logs(ctx, d.ContainerRef)
}

// Recover reconciles stored records against live runtime state at boot.
// Deployments whose container and tunnel are both still alive are adopted
// back into the registry with their port and name re-reserved; everything
// else is marked failed (or kept as-is when already terminal).
func (m *Manager) Recover(ctx context.Context) error {
	records, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	for _, d := range records {
		switch {
		case d.Status == StatusStopped || d.Status == StatusFailed:
			m.reg.Add(d)

		case d.ContainerRef != "" && m.alive(ctx, d):
			if err := m.alloc.AdoptPort(d.Port); err != nil {
				m.lg.Error().Err(err).Str("deployment_id", d.ID).Msg("adopt port")
			}
			if _, err := m.alloc.ReserveName(d.ContainerName); err != nil {
				m.lg.Error().Err(err).Str("deployment_id", d.ID).Msg("reserve name")
			}
			checked := m.now().UTC()
			d.Status = StatusRunning
			d.LastCheckedAt = &checked
			m.reg.Add(d)
			m.persist(d)
			m.lg.Info().Str("deployment_id", d.ID).Msg("re-adopted live deployment")

		default:
			d.Status = StatusFailed
			d.LastError = "not recovered after process restart"
			m.reg.Add(d)
			m.persist(d)
		}
	}
	return nil
}

func (m *Manager) alive(ctx context.Context, d Deployment) bool {
	cs, err := m.runtime.Status(ctx, d.ContainerRef)
	if err != nil || cs.Phase != ContainerRunning {
		return false
	}
	if d.TunnelPID == 0 {
		return false
	}
	ts, err := m.tunnel.Status(ctx, d.Tunnel())
	return err == nil && ts.Phase == TunnelRunning
}

func (m *Manager) persist(d Deployment) {
	if err := m.store.Save(d); err != nil {
		m.lg.Error().Err(err).Str("deployment_id", d.ID).Msg("persist deployment record")
	}
}

func validate(req Request) error {
	var missing []string
	if strings.TrimSpace(req.ModelID) == "" {
		missing = append(missing, "model_id")
	}
	if strings.TrimSpace(req.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(req.APIName) == "" {
		missing = append(missing, "api_name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s: %w", strings.Join(missing, ", "), ErrValidation)
	}
	return nil
}

// containerName derives the unique container name the same way the image
// pipeline does: sanitized model id plus the deployment id.
func containerName(modelID, deploymentID string) string {
	return "aphrodite-" + SafeModelID(modelID) + "-" + deploymentID
}

// SafeModelID lowercases the model id and replaces path separators so it is
// valid inside container and image names.
func SafeModelID(modelID string) string {
	return strings.ToLower(strings.ReplaceAll(modelID, "/", "-"))
}
