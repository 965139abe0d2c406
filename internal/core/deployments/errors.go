package deployments

import "errors"

// Sentinel kinds for everything that can go wrong while driving a
// deployment. Callers match with errors.Is; details travel wrapped.
var (
	ErrValidation         = errors.New("invalid deployment request")
	ErrResourceExhausted  = errors.New("no port available in the configured range")
	ErrNameConflict       = errors.New("container name already reserved")
	ErrBuild              = errors.New("container image build failed")
	ErrStart              = errors.New("container failed to start")
	ErrTunnelStart        = errors.New("tunnel process failed to start")
	ErrTunnelTimeout      = errors.New("tunnel did not report a public URL in time")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrNotFound           = errors.New("deployment not found")
	ErrConflict           = errors.New("deployment is mid-transition")
)
