package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	agentNetworkName = "scout-agents"
	agentLabel       = "scout.agent"
	agentManagedBy   = "scout.managed-by"
	containerPrefix  = "scout-agent-"
)

// ContainerLauncher optionally runs agent processes inside per-agent
// Docker containers instead of as bare subprocesses, the way the
// teacher's container.Manager isolates per-project work. Unavailable is
// not an error: LaunchLocalAgent falls back to the plain subprocess path
// when no daemon is reachable, matching the teacher's
// graceful-degrade-to-unavailable pattern.
type ContainerLauncher struct {
	client    *client.Client
	image     string
	available bool
}

// NewContainerLauncher probes for a reachable Docker daemon and, if
// found, ensures the scout-agents bridge network exists. image is the
// container image used to run an agent's platform entrypoint.
func NewContainerLauncher(image string) *ContainerLauncher {
	l := &ContainerLauncher{image: image}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return l
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return l
	}

	l.client = cli
	l.available = true
	if err := l.ensureNetwork(context.Background()); err != nil {
		l.available = false
	}
	return l
}

// IsAvailable reports whether a Docker daemon was reachable at construction.
func (l *ContainerLauncher) IsAvailable() bool { return l.available }

func (l *ContainerLauncher) ensureNetwork(ctx context.Context) error {
	nets, err := l.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", agentNetworkName)),
	})
	if err != nil {
		return err
	}
	if len(nets) > 0 {
		return nil
	}
	_, err = l.client.NetworkCreate(ctx, agentNetworkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{agentManagedBy: "scout"},
	})
	return err
}

// LaunchAgent starts or resumes agent's container, passing homeDir as a
// bind mount so the agent's rules directory is visible inside the
// container exactly as it would be to a bare subprocess.
func (l *ContainerLauncher) LaunchAgent(ctx context.Context, agent, homeDir string, env []string) error {
	if !l.available {
		return fmt.Errorf("transport: docker not available")
	}
	name := containerPrefix + agent

	if id, err := l.findContainer(ctx, name); err == nil {
		inspect, err := l.client.ContainerInspect(ctx, id)
		if err == nil && inspect.State.Running {
			return nil
		}
		return l.client.ContainerStart(ctx, id, container.StartOptions{})
	}

	if err := l.ensureImage(ctx); err != nil {
		return err
	}

	cfg := &container.Config{
		Image:  l.image,
		Env:    env,
		Labels: map[string]string{agentLabel: agent, agentManagedBy: "scout"},
		Cmd:    []string{"./agent.sh", "run", agent},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(agentNetworkName),
		Binds:       []string{homeDir + ":/opt/scout:rw"},
	}

	resp, err := l.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("transport: create container for agent %s: %w", agent, err)
	}
	return l.client.ContainerStart(ctx, resp.ID, container.StartOptions{})
}

// StopAgent stops agent's container if one exists.
func (l *ContainerLauncher) StopAgent(ctx context.Context, agent string) error {
	if !l.available {
		return fmt.Errorf("transport: docker not available")
	}
	id, err := l.findContainer(ctx, containerPrefix+agent)
	if err != nil {
		return nil
	}
	timeout := 10
	return l.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
}

// IsAgentContainerRunning reports whether agent's container exists and
// is running.
func (l *ContainerLauncher) IsAgentContainerRunning(ctx context.Context, agent string) bool {
	if !l.available {
		return false
	}
	id, err := l.findContainer(ctx, containerPrefix+agent)
	if err != nil {
		return false
	}
	inspect, err := l.client.ContainerInspect(ctx, id)
	return err == nil && inspect.State.Running
}

func (l *ContainerLauncher) findContainer(ctx context.Context, name string) (string, error) {
	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		for _, n := range c.Names {
			if n == "/"+name {
				return c.ID, nil
			}
		}
	}
	return "", fmt.Errorf("transport: container %s not found", name)
}

func (l *ContainerLauncher) ensureImage(ctx context.Context) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, l.image); err == nil {
		return nil
	}
	reader, err := l.client.ImagePull(ctx, l.image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// Close releases the Docker client, if one was created.
func (l *ContainerLauncher) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}
