package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"deployd/internal/config"
	"deployd/internal/core/deployments"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

// Client implements deployments.ContainerRuntime against the local docker
// daemon.
type Client struct {
	cli *client.Client
	cfg config.Config
	lg  zerolog.Logger
}

func New(cfg config.Config, lg zerolog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &Client{cli: cli, cfg: cfg, lg: lg.With().Str("adapter", "docker").Logger()}, nil
}

// Start writes the build definition into the deployment directory, builds
// the model image if the daemon does not have it yet, then creates and
// starts the container with the deployment's host port bound.
func (c *Client) Start(ctx context.Context, d deployments.Deployment, req deployments.Request) (string, error) {
	if err := writeBuildContext(d.Directory); err != nil {
		return "", fmt.Errorf("%w: %v", deployments.ErrBuild, err)
	}

	image := "aphrodite-engine-" + deployments.SafeModelID(d.ModelID)
	if err := c.ensureImage(ctx, image, d.Directory); err != nil {
		return "", err
	}

	// A stale container under our reserved name means a previous attempt
	// died before cleanup; replace it.
	_ = c.cli.ContainerRemove(ctx, d.ContainerName, container.RemoveOptions{Force: true})

	token := req.HuggingFaceToken
	if token == "" {
		token = c.cfg.HuggingFaceToken
	}
	env := []string{
		"MODEL_ID=" + d.ModelID,
		"USER_ID=" + d.UserID,
		"DEPLOYMENT_ID=" + d.ID,
		"HOST_PORT=" + strconv.Itoa(d.Port),
		"HUGGINGFACE_TOKEN=" + token,
		"HF_HOME=/root/.cache/huggingface",
	}
	if req.RemoteHost != "" {
		env = append(env, "REMOTE_HOST="+req.RemoteHost, "REMOTE_USER="+req.RemoteUser)
	}

	containerPort := nat.Port(fmt.Sprintf("%d/tcp", c.cfg.ContainerPort))
	resp, err := c.cli.ContainerCreate(ctx,
		&container.Config{
			Image:        image,
			Env:          env,
			ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		},
		&container.HostConfig{
			PortBindings: nat.PortMap{
				containerPort: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(d.Port)}},
			},
			Mounts: []mount.Mount{{
				Type:   mount.TypeVolume,
				Source: "huggingface-cache-" + d.ID,
				Target: "/root/.cache/huggingface",
			}},
			RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
		},
		nil, nil, d.ContainerName,
	)
	if err != nil {
		return "", c.startErr("docker create", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", c.startErr("docker start", err)
	}

	c.lg.Info().Str("container_id", resp.ID).Str("deployment_id", d.ID).
		Int("host_port", d.Port).Msg("container started")
	return resp.ID, nil
}

// Status maps the daemon's view of the container onto the lifecycle phases
// the core reasons about.
func (c *Client) Status(ctx context.Context, ref string) (deployments.ContainerState, error) {
	inspect, err := c.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return deployments.ContainerState{Phase: deployments.ContainerMissing}, nil
		}
		return deployments.ContainerState{}, c.daemonErr("docker inspect", err)
	}
	switch inspect.State.Status {
	case "running", "paused":
		return deployments.ContainerState{Phase: deployments.ContainerRunning}, nil
	case "created", "restarting":
		return deployments.ContainerState{Phase: deployments.ContainerStarting}, nil
	default: // exited, dead, removing
		return deployments.ContainerState{
			Phase:    deployments.ContainerExited,
			ExitCode: inspect.State.ExitCode,
		}, nil
	}
}

// Stop requests a graceful stop within the configured grace period, then
// removes the container and its volumes. Stopping a missing container is
// not an error.
func (c *Client) Stop(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	grace := int(c.cfg.StopGrace.Seconds())
	if err := c.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &grace}); err != nil && !client.IsErrNotFound(err) {
		c.lg.Warn().Err(err).Str("container_id", ref).Msg("graceful stop failed, forcing removal")
	}
	err := c.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return c.daemonErr("docker remove", err)
	}
	return nil
}

// Logs returns the tail of the container's combined output.
func (c *Client) Logs(ctx context.Context, ref string) (string, error) {
	rc, err := c.cli.ContainerLogs(ctx, ref, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "500",
	})
	if err != nil {
		return "", c.daemonErr("docker logs", err)
	}
	defer rc.Close()

	var out strings.Builder
	if _, err := stdcopy.StdCopy(&out, &out, rc); err != nil {
		return "", fmt.Errorf("read logs: %w", err)
	}
	return out.String(), nil
}

// ensureImage builds the model image from the deployment directory when the
// daemon does not have it yet. Builds are slow (the engine is installed
// from source) but the image is shared across every deployment of the same
// model.
func (c *Client) ensureImage(ctx context.Context, image, dir string) error {
	if _, _, err := c.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return c.daemonErr("image inspect", err)
	}

	c.lg.Info().Str("image", image).Msg("building model image")
	buildCtx, err := tarBuildContext(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", deployments.ErrBuild, err)
	}
	resp, err := c.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return c.daemonErr("image build", err)
	}
	defer resp.Body.Close()
	return drainBuild(resp.Body)
}

// drainBuild consumes the daemon's build event stream; a build failure
// arrives as an error message inside the stream, not as a transport error.
func drainBuild(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err == nil && msg.Error != "" {
			return fmt.Errorf("%w: %s", deployments.ErrBuild, msg.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read build stream: %w", err)
	}
	return nil
}

func (c *Client) startErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return c.daemonErr(op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, deployments.ErrStart, err)
}

func (c *Client) daemonErr(op string, err error) error {
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%s: %w: %v", op, deployments.ErrRuntimeUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
