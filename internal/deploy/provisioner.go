package deploy

import (
	"context"
	"fmt"
	"os"

	"github.com/MrSnakeDoc/minienv/internal/compose"
	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

// ProvisionEnabled reports whether provisioner images are configured.
func (o *Orchestrator) ProvisionEnabled() bool {
	return o.cfg.ProvisionImages != ""
}

// Provision prepares the slot's volume and runs the provisioner stack once.
//
// It returns nil after the provisioner exited and was deleted, or right after
// the volume is ensured when provisioning is disabled. If the provisioner is
// still running after the bounded wait it returns ErrTeardownTimeout and leaves
// the stack in place for the reconciler.
func (o *Orchestrator) Provision(ctx context.Context, envID string) error {
	if err := o.ensureVolume(ctx, envID); err != nil {
		return err
	}
	if !o.ProvisionEnabled() {
		return nil
	}

	project := compose.ProvisionerProject(envID)
	file := compose.ProjectFile(o.cfg.StackDir, project)
	values := map[string]string{
		compose.TokenMinienvVersion:  o.cfg.Version,
		compose.TokenProvisionImages: o.cfg.ProvisionImages,
		compose.TokenVolumeName:      compose.VolumeName(envID),
	}
	if err := compose.RenderFile(o.cfg.ProvisionTemplate, file, values); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStackControl, err)
	}

	o.logger.Info("provisioner starting", logger.String("env_id", envID))
	if err := o.stack.Up(ctx, project, file); err != nil {
		return err
	}

	err := waitUntil(ctx, o.cfg.PollInterval, o.cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		running, err := o.ProvisionerRunning(ctx, envID)
		return !running, err
	})
	if err != nil {
		return err
	}

	o.logger.Info("provisioner finished", logger.String("env_id", envID))
	return o.DeleteProvisioner(ctx, envID)
}

// ProvisionerRunning reports whether the slot's provisioner stack is live.
func (o *Orchestrator) ProvisionerRunning(ctx context.Context, envID string) (bool, error) {
	project := compose.ProvisionerProject(envID)
	return o.isLive(ctx, project, compose.ProjectFile(o.cfg.StackDir, project))
}

// DeleteProvisioner removes the provisioner stack and its rendered file. The
// volume it prepared is kept.
func (o *Orchestrator) DeleteProvisioner(ctx context.Context, envID string) error {
	project := compose.ProvisionerProject(envID)
	file := compose.ProjectFile(o.cfg.StackDir, project)

	if _, err := os.Stat(file); os.IsNotExist(err) {
		return nil
	}
	if err := o.stack.Down(ctx, project, file, false); err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", file, err)
	}
	return nil
}
