package localtunnel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"deployd/internal/config"
	"deployd/internal/core/deployments"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	log := "npx: installed 22 packages\nyour url is: https://my-api-abc12345.loca.lt\n"
	assert.Equal(t, "https://my-api-abc12345.loca.lt", ParseURL(log))
	assert.Empty(t, ParseURL("still starting up..."))
	assert.Empty(t, ParseURL(""))
}

func TestSubdomain(t *testing.T) {
	assert.Equal(t, "my-cool-api-0a1b2c3d", Subdomain("My Cool API", "0a1b2c3d-ffff-4444-aaaa-111122223333"))
	assert.Equal(t, "api-short", Subdomain("api", "short"))
}

// stub writes an executable shell script standing in for the lt binary.
func stub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-lt")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testDeployment(t *testing.T) deployments.Deployment {
	t.Helper()
	return deployments.Deployment{
		ID:        "11112222-3333-4444-5555-666677778888",
		APIName:   "unit api",
		Port:      4242,
		Directory: t.TempDir(),
	}
}

func TestStartReportsURLAndStops(t *testing.T) {
	bin := stub(t, `echo "your url is: https://unit-api.loca.lt"
sleep 60`)
	r := New(config.Config{TunnelBin: bin}, zerolog.Nop())
	d := testDeployment(t)

	ref, err := r.Start(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "https://unit-api.loca.lt", ref.PublicURL)
	assert.NotZero(t, ref.PID)

	// Log and pid files are persisted in the deployment directory.
	assert.FileExists(t, filepath.Join(d.Directory, "tunnel.log"))
	assert.FileExists(t, filepath.Join(d.Directory, "tunnel.pid"))

	st, err := r.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, deployments.TunnelRunning, st.Phase)

	require.NoError(t, r.Stop(context.Background(), ref))
	st, err = r.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.NotEqual(t, deployments.TunnelRunning, st.Phase)

	// Stopping again is fine.
	assert.NoError(t, r.Stop(context.Background(), ref))
}

func TestStartFailsWhenProcessExitsEarly(t *testing.T) {
	bin := stub(t, `echo "tunnel server offline" >&2
exit 3`)
	r := New(config.Config{TunnelBin: bin}, zerolog.Nop())

	_, err := r.Start(context.Background(), testDeployment(t))
	assert.ErrorIs(t, err, deployments.ErrTunnelStart)
}

func TestStartCancelledContextIsNotTimeout(t *testing.T) {
	bin := stub(t, `sleep 60`)
	r := New(config.Config{TunnelBin: bin}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Start(ctx, testDeployment(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, deployments.ErrTunnelTimeout)
}

func TestSelfExitedTunnelIsForgotten(t *testing.T) {
	bin := stub(t, `echo "your url is: https://gone.loca.lt"
sleep 2`)
	r := New(config.Config{TunnelBin: bin}, zerolog.Nop())

	ref, err := r.Start(context.Background(), testDeployment(t))
	require.NoError(t, err)

	// Once the process exits on its own the runner drops its bookkeeping.
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, tracked := r.procs[ref.PID]
		return !tracked
	}, 10*time.Second, 100*time.Millisecond)

	st, err := r.Status(context.Background(), ref)
	require.NoError(t, err)
	assert.NotEqual(t, deployments.TunnelRunning, st.Phase)
}

func TestStatusOfUnknownPID(t *testing.T) {
	r := New(config.Config{TunnelBin: "lt"}, zerolog.Nop())

	st, err := r.Status(context.Background(), deployments.TunnelRef{PID: 0})
	require.NoError(t, err)
	assert.Equal(t, deployments.TunnelMissing, st.Phase)

	// A pid that cannot exist on this system.
	st, err = r.Status(context.Background(), deployments.TunnelRef{PID: 1 << 30})
	require.NoError(t, err)
	assert.Equal(t, deployments.TunnelMissing, st.Phase)
}
