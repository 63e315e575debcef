package local

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/system"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/gammadia/ehos/provisioner/internal"
	"github.com/gammadia/ehos/scheduler"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

const (
	labelCloud  = "ehos.cloud"
	labelFlavor = "ehos.flavor"
)

// DockerClient abstracts the Docker SDK methods used by the provisioner,
// enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerCommit(ctx context.Context, containerID string, options container.CommitOptions) (container.CommitResponse, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Info(ctx context.Context) (system.Info, error)
	Close() error
}

// LocalProvisioner runs every node as a container of a docker daemon.
type LocalProvisioner struct {
	config Config
	log    *slog.Logger
	docker DockerClient
}

// LocalProvisioner implements scheduler.Provisioner
var _ scheduler.Provisioner = (*LocalProvisioner)(nil)

func NewProvisioner(ctx context.Context, config Config) (*LocalProvisioner, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if config.DockerHost != "" {
		opts = append(opts, client.WithHost(config.DockerHost))
	}

	docker, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to init docker client: %w", err)
	}

	lp := newProvisioner(config, docker)

	info, err := internal.RetryResult(ctx, lp.log, "docker daemon", 3, func() (system.Info, error) {
		return docker.Info(ctx)
	})
	if err != nil {
		_ = docker.Close()
		return nil, fmt.Errorf("failed to reach docker daemon: %w", err)
	}

	lp.log.Info("Connected to docker daemon", "host", docker.DaemonHost(), "version", info.ServerVersion)
	return lp, nil
}

func newProvisioner(config Config, docker DockerClient) *LocalProvisioner {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ActiveTimeout <= 0 {
		config.ActiveTimeout = 200
	}

	return &LocalProvisioner{
		config: config,
		log:    config.Logger,
		docker: docker,
	}
}

func (lp *LocalProvisioner) checkConnection() error {
	if lp.docker == nil {
		return fmt.Errorf("cloud '%s': %w", lp.config.Cloud, scheduler.ErrNotConnected)
	}
	return nil
}

func wrapNotFound(id string, err error, what string) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container '%s': %w", id, scheduler.ErrNodeNotFound)
	}
	return fmt.Errorf("failed to %s container '%s': %w", what, id, err)
}

func (lp *LocalProvisioner) CreateNode(ctx context.Context, spec scheduler.NodeSpec) (string, error) {
	if err := lp.checkConnection(); err != nil {
		return "", err
	}

	var env []string
	if len(spec.UserData) > 0 {
		env = append(env, "EHOS_USERDATA="+base64.StdEncoding.EncodeToString(spec.UserData))
	}

	resp, err := lp.docker.ContainerCreate(ctx,
		&container.Config{
			Image:    spec.Image,
			Hostname: spec.Name,
			Env:      env,
			Labels: map[string]string{
				labelCloud:  lp.config.Cloud,
				labelFlavor: spec.Flavor,
			},
		},
		&container.HostConfig{
			NetworkMode: container.NetworkMode(spec.Network),
		},
		nil,
		nil,
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container '%s': %w", spec.Name, err)
	}

	if err := lp.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		lp.remove(ctx, resp.ID)
		return "", fmt.Errorf("failed to start container '%s': %w", spec.Name, err)
	}

	err = internal.PollUntil(ctx, lp.log, fmt.Sprintf("container '%s' to be running", spec.Name), lp.config.ActiveTimeout, lp.config.PollInterval, func() (bool, error) {
		inspect, err := lp.docker.ContainerInspect(ctx, resp.ID)
		if err != nil {
			return false, wrapNotFound(resp.ID, err, "inspect")
		}
		if inspect.State == nil {
			return false, nil
		}
		if inspect.State.Status == "exited" || inspect.State.Status == "dead" {
			return false, fmt.Errorf("container '%s' exited with code %d", spec.Name, inspect.State.ExitCode)
		}
		return inspect.State.Running, nil
	})
	if err != nil {
		lp.remove(ctx, resp.ID)
		return "", err
	}

	lp.log.Info("Started container", "node", resp.ID, "name", spec.Name, "image", spec.Image)
	return resp.ID, nil
}

func (lp *LocalProvisioner) remove(ctx context.Context, id string) {
	if err := lp.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil && !cerrdefs.IsNotFound(err) {
		lp.log.Error("Failed to remove container", "node", id, "error", err)
	}
}

func (lp *LocalProvisioner) DeleteNode(ctx context.Context, id string) error {
	if err := lp.checkConnection(); err != nil {
		return err
	}

	if err := lp.docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return wrapNotFound(id, err, "remove")
	}

	lp.log.Info("Removed container", "node", id)
	return nil
}

// containerStatus maps docker container states onto server statuses
var containerStatus = map[string]string{
	"created":    "build",
	"running":    "active",
	"paused":     "paused",
	"restarting": "reboot",
	"removing":   "deleted",
	"exited":     "shutoff",
	"dead":       "error",
}

// ListNodes returns the containers labelled with the cloud, stopped ones included.
func (lp *LocalProvisioner) ListNodes(ctx context.Context) ([]scheduler.Server, error) {
	if err := lp.checkConnection(); err != nil {
		return nil, err
	}

	containers, err := lp.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelCloud+"="+lp.config.Cloud)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	return lo.Map(containers, func(c container.Summary, _ int) scheduler.Server {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}

		status, ok := containerStatus[string(c.State)]
		if !ok {
			status = strings.ToLower(string(c.State))
		}

		return scheduler.Server{ID: c.ID, Name: name, Status: status}
	}), nil
}

// ResourceLimits reports the daemon CPUs and memory as totals. Every running
// node is accounted one core; MaxNodes bounds the instances.
func (lp *LocalProvisioner) ResourceLimits(ctx context.Context) (scheduler.ResourceLimits, error) {
	if err := lp.checkConnection(); err != nil {
		return scheduler.ResourceLimits{}, err
	}

	info, err := lp.docker.Info(ctx)
	if err != nil {
		return scheduler.ResourceLimits{}, fmt.Errorf("failed to get docker info: %w", err)
	}

	nodes, err := lp.ListNodes(ctx)
	if err != nil {
		return scheduler.ResourceLimits{}, err
	}
	running := lo.CountBy(nodes, func(s scheduler.Server) bool {
		return s.Status == "active"
	})

	totalInstances := -1
	if lp.config.MaxNodes > 0 {
		totalInstances = lp.config.MaxNodes
	}

	return scheduler.ResourceLimits{
		TotalCores:     info.NCPU,
		UsedCores:      running,
		TotalInstances: totalInstances,
		UsedInstances:  len(nodes),
		TotalRAM:       int(info.MemTotal / (1024 * 1024)),
		UsedRAM:        0,
	}, nil
}

func (lp *LocalProvisioner) ServerLog(ctx context.Context, id string) (string, error) {
	if err := lp.checkConnection(); err != nil {
		return "", err
	}

	logs, err := lp.docker.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", wrapNotFound(id, err, "get logs of")
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil {
		return "", fmt.Errorf("failed to read logs of container '%s': %w", id, err)
	}

	return buf.String(), nil
}

func (lp *LocalProvisioner) WaitForLogMatch(ctx context.Context, id, pattern string, timeout int) ([]string, error) {
	return internal.WaitForLogMatch(ctx, lp.log, func() (string, error) {
		return lp.ServerLog(ctx, id)
	}, pattern, timeout, lp.config.PollInterval)
}

func (lp *LocalProvisioner) StopNode(ctx context.Context, id string, timeout int) error {
	if err := lp.checkConnection(); err != nil {
		return err
	}

	// The daemon kills the container once the grace period is over
	grace := 0
	if err := lp.docker.ContainerStop(ctx, id, container.StopOptions{Timeout: &grace}); err != nil {
		return wrapNotFound(id, err, "stop")
	}

	return internal.PollUntil(ctx, lp.log, fmt.Sprintf("container '%s' to stop", id), timeout, lp.config.PollInterval, func() (bool, error) {
		inspect, err := lp.docker.ContainerInspect(ctx, id)
		if err != nil {
			return false, wrapNotFound(id, err, "inspect")
		}
		return inspect.State != nil && !inspect.State.Running, nil
	})
}

// SnapshotNode commits the container into an image named imageName.
func (lp *LocalProvisioner) SnapshotNode(ctx context.Context, id, imageName string, timeout int) (string, error) {
	if err := lp.checkConnection(); err != nil {
		return "", err
	}

	resp, err := lp.docker.ContainerCommit(ctx, id, container.CommitOptions{Reference: imageName, Pause: true})
	if err != nil {
		return "", wrapNotFound(id, err, "commit")
	}

	err = internal.PollUntil(ctx, lp.log, fmt.Sprintf("image '%s' to be available", imageName), timeout, lp.config.PollInterval, func() (bool, error) {
		if _, err := lp.docker.ImageInspect(ctx, resp.ID); err != nil {
			if cerrdefs.IsNotFound(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to inspect image '%s': %w", resp.ID, err)
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}

	lp.log.Info("Committed container", "node", id, "image", resp.ID, "name", imageName)
	return resp.ID, nil
}

func (lp *LocalProvisioner) Shutdown() {
	if lp.docker == nil {
		return
	}

	if err := lp.docker.Close(); err != nil {
		lp.log.Warn("Failed to close docker client", "error", err)
	}
	lp.docker = nil
}
