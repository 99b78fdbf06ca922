package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/compose"
	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

// Fetcher retrieves repository files.
type Fetcher interface {
	Manifest(ctx context.Context, repo string) (domain.DeploymentManifest, error)
	ComposeFile(ctx context.Context, repo string) (domain.ComposeFile, error)
}

// Config is everything the orchestrator needs to render and run stacks.
type Config struct {
	StackDir          string
	EnvTemplate       string
	ProvisionTemplate string

	Version         string // $minienvVersion
	AllowOrigin     string // $allowOrigin
	ProvisionImages string // $provisionImages, empty disables the provisioner

	Volume   compose.VolumeOptions
	Ports    Ports
	Endpoint domain.Endpoint

	PollInterval time.Duration
	WaitTimeout  time.Duration
}

// Orchestrator runs the environment and provisioner stacks of pool slots.
// It keeps no per-slot state: callers serialize work on a slot with its gate.
type Orchestrator struct {
	cfg     Config
	stack   compose.Stack
	volumes compose.Volumes
	fetcher Fetcher
	logger  logger.Logger
}

// New creates an Orchestrator.
func New(cfg Config, stack compose.Stack, volumes compose.Volumes, fetcher Fetcher, log logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		stack:   stack,
		volumes: volumes,
		fetcher: fetcher,
		logger:  log,
	}
}

// Resolve retrieves the repository's compose file and optional manifest. A
// missing compose file is an ErrComposeFileUnavailable and nothing else is
// touched.
func (o *Orchestrator) Resolve(ctx context.Context, repo string) (domain.Source, error) {
	manifest, err := o.fetcher.Manifest(ctx, repo)
	if err != nil {
		o.logger.Debug("no usable manifest, using defaults",
			logger.String("repo", repo),
			logger.Error(err))
		manifest = domain.DeploymentManifest{}
	}

	composeFile, err := o.fetcher.ComposeFile(ctx, repo)
	if err != nil {
		return domain.Source{}, err
	}
	return domain.Source{Repo: repo, Compose: composeFile, Manifest: manifest}, nil
}

// Apply (re)deploys src into slot env and returns fresh details.
//
// Any previously deployed stack is torn down before the new one comes up. If
// the new stack fails after it was started it is brought down again, so a
// failed Apply leaves no environment stack behind.
func (o *Orchestrator) Apply(ctx context.Context, env domain.Snapshot, src domain.Source) (*domain.Details, error) {
	log := o.logger.With(logger.String("env_id", env.ID), logger.String("repo", src.Repo))

	if err := o.ensureVolume(ctx, env.ID); err != nil {
		return nil, err
	}

	deployed, err := o.IsDeployed(ctx, env.ID)
	if err != nil {
		return nil, err
	}
	if deployed {
		log.Info("tearing down previous stack")
		if err := o.Teardown(ctx, env.ID); err != nil {
			if !errors.Is(err, domain.ErrTeardownTimeout) {
				return nil, err
			}
			log.Warn("previous stack still running, deploying anyway", logger.Error(err))
		}
	}

	project := compose.EnvProject(env.ID)
	file := compose.ProjectFile(o.cfg.StackDir, project)
	if err := compose.RenderFile(o.cfg.EnvTemplate, file, o.envValues(env, src.Repo)); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStackControl, err)
	}

	if err := o.stack.Up(ctx, project, file); err != nil {
		o.discard(ctx, env.ID, log)
		return nil, err
	}

	containers, err := o.stack.Ps(ctx, project)
	if err != nil {
		o.discard(ctx, env.ID, log)
		return nil, err
	}

	details := domain.BuildDetails(src.Repo, compose.PublishedPorts(containers), src.Compose, src.Manifest, o.cfg.Endpoint)
	log.Info("environment deployed",
		logger.Int("tabs", len(details.Tabs)),
		logger.Int("proxy_port", details.ProxyPort))
	return details, nil
}

// discard brings down a stack whose deployment failed half way. It runs even
// when ctx already expired.
func (o *Orchestrator) discard(ctx context.Context, envID string, log logger.Logger) {
	if err := o.Teardown(context.WithoutCancel(ctx), envID); err != nil {
		log.Warn("failed to remove partial stack", logger.Error(err))
	}
}

func (o *Orchestrator) envValues(env domain.Snapshot, repo string) map[string]string {
	ports := o.cfg.Ports.For(env.Index)
	return map[string]string{
		compose.TokenMinienvVersion:     o.cfg.Version,
		compose.TokenInternalLogPort:    strconv.Itoa(domain.InternalLogPort),
		compose.TokenInternalEditorPort: strconv.Itoa(domain.InternalEditorPort),
		compose.TokenInternalProxyPort:  strconv.Itoa(domain.InternalProxyPort),
		compose.TokenExternalLogPort:    strconv.Itoa(ports.Log),
		compose.TokenExternalEditorPort: strconv.Itoa(ports.Editor),
		compose.TokenExternalProxyPort:  strconv.Itoa(ports.Proxy),
		compose.TokenGitRepo:            repo,
		compose.TokenAllowOrigin:        o.cfg.AllowOrigin,
		compose.TokenVolumeName:         compose.VolumeName(env.ID),
	}
}

// IsDeployed reports whether the slot's environment stack exists: its rendered
// file is on disk and at least one of its containers is live.
func (o *Orchestrator) IsDeployed(ctx context.Context, envID string) (bool, error) {
	project := compose.EnvProject(envID)
	return o.isLive(ctx, project, compose.ProjectFile(o.cfg.StackDir, project))
}

// Teardown brings the slot's environment stack down and waits, bounded, for
// its containers to stop. ErrTeardownTimeout is soft.
func (o *Orchestrator) Teardown(ctx context.Context, envID string) error {
	project := compose.EnvProject(envID)
	file := compose.ProjectFile(o.cfg.StackDir, project)

	if err := o.stack.Down(ctx, project, file, false); err != nil {
		return err
	}
	return waitUntil(ctx, o.cfg.PollInterval, o.cfg.WaitTimeout, func(ctx context.Context) (bool, error) {
		containers, err := o.stack.Ps(ctx, project)
		if err != nil {
			return false, err
		}
		return !compose.AnyLive(containers), nil
	})
}

func (o *Orchestrator) isLive(ctx context.Context, project, file string) (bool, error) {
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", file, err)
	}
	containers, err := o.stack.Ps(ctx, project)
	if err != nil {
		return false, err
	}
	return compose.AnyLive(containers), nil
}

func (o *Orchestrator) ensureVolume(ctx context.Context, envID string) error {
	name := compose.VolumeName(envID)
	created, err := o.volumes.EnsureVolume(ctx, name, o.cfg.Volume)
	if err != nil {
		return err
	}
	if created {
		o.logger.Info("volume created",
			logger.String("env_id", envID),
			logger.String("volume", name),
			logger.String("driver", o.cfg.Volume.Driver))
	}
	return nil
}

// ParseDriverOpts parses "key:value,key:value" volume driver options.
// Malformed entries are skipped.
func ParseDriverOpts(s string) map[string]string {
	opts := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, ":")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			continue
		}
		opts[k] = strings.TrimSpace(v)
	}
	return opts
}
