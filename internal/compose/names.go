package compose

import (
	"path/filepath"
	"strings"
)

// Stack, volume and file names are derived from the slot id only, so a restarted
// process finds the same stacks again by probing for them.

// EnvProject is the compose project name of a slot's environment stack.
func EnvProject(envID string) string {
	return "minienv-env-" + strings.ToLower(envID)
}

// ProvisionerProject is the compose project name of a slot's provisioner stack.
func ProvisionerProject(envID string) string {
	return EnvProject(envID) + "-provision"
}

// VolumeName is the persistent volume prepared for a slot.
func VolumeName(envID string) string {
	return EnvProject(envID) + "-volume"
}

// ProjectFile is where the rendered compose file of project lives.
func ProjectFile(dir, project string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "docker-compose-"+project+".yml")
}
