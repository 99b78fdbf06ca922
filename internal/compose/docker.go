package compose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

const (
	// projectLabel is set by compose on every container of a project.
	projectLabel = "com.docker.compose.project"
	serviceLabel = "com.docker.compose.service"

	// downTimeout is the grace period, in seconds, given to containers on down.
	downTimeout = 1
)

// Docker implements Stack and Volumes. Up and down go through the compose CLI,
// inspection and volumes through the engine API.
type Docker struct {
	client *client.Client
	binary string
	logger logger.Logger
}

// NewDocker connects to the engine configured by the DOCKER_* environment.
func NewDocker(log logger.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Docker{
		client: cli,
		binary: "docker",
		logger: log,
	}, nil
}

// Ping checks that the engine answers.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("%w: docker ping: %w", domain.ErrStackControl, err)
	}
	return nil
}

// Close releases the engine client.
func (d *Docker) Close() error {
	return d.client.Close()
}

// composeUpArgs returns the CLI arguments for a detached, always-recreate up.
func composeUpArgs(project, file string) []string {
	return []string{"compose", "-p", project, "-f", file, "up", "-d", "--force-recreate", "--remove-orphans"}
}

// composeDownArgs returns the CLI arguments for a down that also removes orphans.
func composeDownArgs(project, file string, removeVolumes bool) []string {
	args := []string{"compose", "-p", project, "-f", file, "down", "--remove-orphans", "-t", strconv.Itoa(downTimeout)}
	if removeVolumes {
		args = append(args, "-v")
	}
	return args
}

func (d *Docker) Up(ctx context.Context, project, file string) error {
	d.logger.Debug("compose up", logger.String("project", project), logger.String("file", file))
	return d.run(ctx, "up", composeUpArgs(project, file))
}

func (d *Docker) Down(ctx context.Context, project, file string, removeVolumes bool) error {
	d.logger.Debug("compose down", logger.String("project", project), logger.Bool("volumes", removeVolumes))
	return d.run(ctx, "down", composeDownArgs(project, file, removeVolumes))
}

func (d *Docker) run(ctx context.Context, verb string, args []string) error {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.Stdout = io.Discard
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: compose %s: exit code %d: %s",
				domain.ErrStackControl, verb, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return fmt.Errorf("%w: compose %s: %w", domain.ErrStackControl, verb, err)
	}
	return nil
}

// Ps lists the project's containers through their compose project label.
func (d *Docker) Ps(ctx context.Context, project string) ([]Container, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", projectLabel+"="+project)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list containers of %s: %w", domain.ErrStackControl, project, err)
	}

	out := make([]Container, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		ports := make(map[string]string)
		for _, p := range c.Ports {
			if p.PublicPort == 0 {
				continue
			}
			key := fmt.Sprintf("%d/%s", p.PrivatePort, p.Type)
			if _, ok := ports[key]; !ok {
				ports[key] = strconv.Itoa(int(p.PublicPort))
			}
		}
		out = append(out, Container{
			Name:    name,
			Service: c.Labels[serviceLabel],
			State:   string(c.State),
			Ports:   ports,
		})
	}
	return out, nil
}

// EnsureVolume inspects the volume and creates it when missing.
func (d *Docker) EnsureVolume(ctx context.Context, name string, opts VolumeOptions) (bool, error) {
	if _, err := d.client.VolumeInspect(ctx, name); err == nil {
		return false, nil
	} else if !errdefs.IsNotFound(err) {
		return false, fmt.Errorf("%w: inspect volume %s: %w", domain.ErrStackControl, name, err)
	}

	d.logger.Info("creating volume",
		logger.String("volume", name),
		logger.String("driver", opts.Driver))
	_, err := d.client.VolumeCreate(ctx, volume.CreateOptions{
		Name:       name,
		Driver:     opts.Driver,
		DriverOpts: opts.DriverOpts,
	})
	if err != nil {
		return false, fmt.Errorf("%w: create volume %s: %w", domain.ErrStackControl, name, err)
	}
	return true, nil
}
