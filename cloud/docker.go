package cloud

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerConfig describes the container each agent runs in.
type DockerConfig struct {
	Image       string            `yaml:"image"`
	Command     []string          `yaml:"command"`
	Env         map[string]string `yaml:"env"`
	MemoryLimit int64             `yaml:"memory_limit"`
	CPULimit    float64           `yaml:"cpu_limit"`
	NetworkMode string            `yaml:"network_mode"`
}

// Docker runs one container per agent.
type Docker struct {
	client client.APIClient
	cfg    DockerConfig
}

// NewDocker connects to the Docker daemon from the environment and verifies
// it responds.
func NewDocker(ctx context.Context, cfg DockerConfig) (*Docker, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("cloud: docker image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("cloud: docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cloud: docker unreachable: %w", err)
	}
	return &Docker{client: cli, cfg: cfg}, nil
}

// SpawnMachine creates and starts a container labelled with the agent.
func (d *Docker) SpawnMachine(ctx context.Context, agentID, agentName string) (string, error) {
	if err := d.ensureImage(ctx); err != nil {
		return "", fmt.Errorf("cloud: pull %s: %w", d.cfg.Image, err)
	}

	env := []string{"SORTIE_AGENT_ID=" + agentID, "SORTIE_AGENT_NAME=" + agentName}
	for k, v := range d.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd := d.cfg.Command
	if len(cmd) == 0 {
		cmd = []string{"sleep", "infinity"}
	}
	containerCfg := &container.Config{
		Image: d.cfg.Image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			"sortie.agent_id":   agentID,
			"sortie.agent_name": agentName,
		},
	}
	hostCfg := &container.HostConfig{}
	if d.cfg.MemoryLimit > 0 {
		hostCfg.Memory = d.cfg.MemoryLimit
	}
	if d.cfg.CPULimit > 0 {
		hostCfg.NanoCPUs = int64(d.cfg.CPULimit * 1e9)
	}
	if d.cfg.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(d.cfg.NetworkMode)
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName(agentName, agentID))
	if err != nil {
		return "", fmt.Errorf("cloud: create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.client.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("cloud: start container: %w", err)
	}
	return resp.ID, nil
}

// StopMachine stops and removes the container.
func (d *Docker) StopMachine(ctx context.Context, machineID string) error {
	if err := d.client.ContainerStop(ctx, machineID, container.StopOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("cloud: stop %s: %w", machineID, err)
	}
	if err := d.client.ContainerRemove(ctx, machineID, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("cloud: remove %s: %w", machineID, err)
	}
	return nil
}

// Close releases the Docker client.
func (d *Docker) Close() error { return d.client.Close() }

func (d *Docker) ensureImage(ctx context.Context) error {
	if _, err := d.client.ImageInspect(ctx, d.cfg.Image); err == nil {
		return nil
	}
	reader, err := d.client.ImagePull(ctx, d.cfg.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// containerName builds a Docker-safe name such as "sortie-scout-1a2b3c4d".
func containerName(agentName, agentID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(agentName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	short := agentID
	if len(short) > 8 {
		short = short[:8]
	}
	if b.Len() == 0 {
		return "sortie-" + short
	}
	return "sortie-" + b.String() + "-" + short
}
