// Package browser launches a disposable headless browser in Docker for runs
// that do not attach to an existing one.
package browser

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/shehryarbajwa/pagepulse/internal/cdp"
)

const devtoolsPort = nat.Port("3000/tcp")

// Options controls the launched container
type Options struct {
	Image        string
	ReadyTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Image == "" {
		o.Image = "browserless/chrome:latest"
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 30 * time.Second
	}
	return o
}

// Instance is a running browser container
type Instance struct {
	ContainerID string
	RunID       string
	Endpoint    string
	Port        string
}

// Launcher starts and stops browser containers
type Launcher struct {
	client *client.Client
	opts   Options
}

// NewLauncher creates a launcher using the Docker environment settings
func NewLauncher(opts Options) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &Launcher{client: cli, opts: opts.withDefaults()}, nil
}

// containerSpec builds the container and host configuration for one run
func containerSpec(opts Options, runID string) (*container.Config, *container.HostConfig) {
	containerConfig := &container.Config{
		Image: opts.Image,
		Labels: map[string]string{
			"run-id":     runID,
			"managed-by": "pagepulse",
		},
		Env: []string{
			"CONNECTION_TIMEOUT=-1",
			"MAX_CONCURRENT_SESSIONS=1",
			"PREBOOT_CHROME=true",
			"KEEP_ALIVE=true",
			"EXIT_ON_HEALTH_FAILURE=false",
		},
		ExposedPorts: nat.PortSet{
			devtoolsPort: struct{}{},
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			devtoolsPort: []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0",
				},
			},
		},
		AutoRemove: false,
	}

	return containerConfig, hostConfig
}

// Launch starts a browser and waits until its DevTools endpoint answers
func (l *Launcher) Launch(ctx context.Context, runID string) (*Instance, error) {
	if runID == "" {
		runID = uuid.New().String()
	}

	if err := l.ensureImage(ctx); err != nil {
		return nil, err
	}

	containerConfig, hostConfig := containerSpec(l.opts, runID)
	resp, err := l.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, fmt.Sprintf("pagepulse-%s", runID[:8]))
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := l.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	bindings := inspect.NetworkSettings.Ports[devtoolsPort]
	if len(bindings) == 0 {
		l.remove(resp.ID)
		return nil, fmt.Errorf("container %s exposes no devtools port", resp.ID[:12])
	}
	port := bindings[0].HostPort

	instance := &Instance{
		ContainerID: resp.ID,
		RunID:       runID,
		Endpoint:    fmt.Sprintf("http://localhost:%s", port),
		Port:        port,
	}

	readyCtx, cancel := context.WithTimeout(ctx, l.opts.ReadyTimeout)
	defer cancel()
	if _, err := cdp.NewDiscovery(instance.Endpoint).WaitReady(readyCtx); err != nil {
		l.remove(resp.ID)
		return nil, fmt.Errorf("browser failed to become ready: %w", err)
	}

	log.Printf("✓ Browser container %s ready on %s", resp.ID[:12], instance.Endpoint)
	return instance, nil
}

// Stop stops and removes a browser container
func (l *Launcher) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	if err := l.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to stop container: %w", err)
	}

	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}

	return nil
}

// Close releases the docker client
func (l *Launcher) Close() error {
	return l.client.Close()
}

func (l *Launcher) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := l.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		log.Printf("⚠️  Failed to remove container %s: %v", containerID[:12], err)
	}
}

func (l *Launcher) ensureImage(ctx context.Context) error {
	images, err := l.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return fmt.Errorf("failed to list images: %w", err)
	}

	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == l.opts.Image {
				return nil
			}
		}
	}

	log.Printf("Pulling %s...", l.opts.Image)
	reader, err := l.client.ImagePull(ctx, l.opts.Image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}
