package compose

import "context"

// Stack is the compose control plane: bring a named project up or down and
// report its containers.
type Stack interface {
	// Up starts project from file, always recreating containers.
	Up(ctx context.Context, project, file string) error
	// Down stops project and removes orphans, optionally with its volumes.
	Down(ctx context.Context, project, file string, removeVolumes bool) error
	// Ps lists the project's containers, running or not.
	Ps(ctx context.Context, project string) ([]Container, error)
}

// Volumes prepares named volumes.
type Volumes interface {
	// EnsureVolume creates the volume if it does not exist yet.
	EnsureVolume(ctx context.Context, name string, opts VolumeOptions) (created bool, err error)
}

// VolumeOptions selects the volume driver.
type VolumeOptions struct {
	Driver     string
	DriverOpts map[string]string
}

// Container is one container of a compose project.
type Container struct {
	Name    string
	Service string
	State   string
	// Ports maps "<containerPort>/<proto>" to the published host port.
	Ports map[string]string
}

// Live reports whether the container is running or coming back up.
func (c Container) Live() bool {
	return c.State == "running" || c.State == "restarting"
}

// AnyLive reports whether at least one container of the project is live.
func AnyLive(containers []Container) bool {
	for _, c := range containers {
		if c.Live() {
			return true
		}
	}
	return false
}

// PublishedPorts merges the published ports of every container. The first
// binding seen for a key wins.
func PublishedPorts(containers []Container) map[string]string {
	out := make(map[string]string)
	for _, c := range containers {
		for k, v := range c.Ports {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}
