package deployments

import "context"

// ContainerState is the live state of a container as reported by the runtime.
type ContainerState struct {
	Phase    ContainerPhase
	ExitCode int
}

type ContainerPhase string

const (
	ContainerStarting ContainerPhase = "starting"
	ContainerRunning  ContainerPhase = "running"
	ContainerExited   ContainerPhase = "exited"
	ContainerMissing  ContainerPhase = "missing" // runtime has no record of the ref
)

// ContainerRuntime abstracts the engine that runs one container per
// deployment. Implemented by the docker and kubernetes adapters and by
// in-memory fakes in tests.
type ContainerRuntime interface {
	// Start materializes the deployment's build definition under its
	// directory, builds the image if needed and starts the container with
	// the deployment's port bound. Returns the runtime's container ref.
	Start(ctx context.Context, d Deployment, req Request) (string, error)
	Status(ctx context.Context, ref string) (ContainerState, error)
	Stop(ctx context.Context, ref string) error
	Logs(ctx context.Context, ref string) (string, error)
}

// TunnelState is the live state of a tunnel process.
type TunnelState struct {
	Phase    TunnelPhase
	ExitCode int
}

type TunnelPhase string

const (
	TunnelRunning TunnelPhase = "running"
	TunnelExited  TunnelPhase = "exited"
	TunnelMissing TunnelPhase = "missing"
)

// TunnelRunner abstracts the process that exposes a deployment's port
// through a public URL.
type TunnelRunner interface {
	// Start launches a tunnel bound to the deployment's port and blocks
	// until it reports its public URL or the bound elapses.
	Start(ctx context.Context, d Deployment) (TunnelRef, error)
	Status(ctx context.Context, ref TunnelRef) (TunnelState, error)
	Stop(ctx context.Context, ref TunnelRef) error
}
