// Package composetest provides in-memory stand-ins for the compose control
// plane and the repository fetcher.
package composetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrSnakeDoc/minienv/internal/compose"
	"github.com/MrSnakeDoc/minienv/internal/domain"
)

var (
	_ compose.Stack   = (*Stack)(nil)
	_ compose.Volumes = (*Volumes)(nil)
)

// Stack is an in-memory compose.Stack. Up starts one container per project,
// Down stops it. Every call is recorded as "<verb> <project>".
type Stack struct {
	mu         sync.Mutex
	containers map[string][]compose.Container
	calls      []string

	// Ports is what every container publishes after Up.
	Ports map[string]string
	// ExitOnUp lists projects whose containers exit right after Up.
	ExitOnUp map[string]bool
	// UpErr and DownErr fail the matching call when set.
	UpErr   error
	DownErr error

	// StartOnUpErr starts the containers even when Up fails.
	StartOnUpErr bool
}

// NewStack returns an empty Stack publishing the given ports.
func NewStack(ports map[string]string) *Stack {
	return &Stack{
		containers: make(map[string][]compose.Container),
		Ports:      ports,
		ExitOnUp:   make(map[string]bool),
	}
}

func (s *Stack) Up(_ context.Context, project, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, "up "+project)
	if s.UpErr != nil && !s.StartOnUpErr {
		return s.UpErr
	}
	state := "running"
	if s.ExitOnUp[project] {
		state = "exited"
	}
	s.containers[project] = []compose.Container{{
		Name:    project + "-app-1",
		Service: "app",
		State:   state,
		Ports:   s.Ports,
	}}
	return s.UpErr
}

func (s *Stack) Down(_ context.Context, project, _ string, removeVolumes bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	verb := "down"
	if removeVolumes {
		verb = "down-v"
	}
	s.calls = append(s.calls, verb+" "+project)
	if s.DownErr != nil {
		return s.DownErr
	}
	delete(s.containers, project)
	return nil
}

func (s *Stack) Ps(_ context.Context, project string) ([]compose.Container, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]compose.Container, len(s.containers[project]))
	copy(out, s.containers[project])
	return out, nil
}

// SetState forces the state of every container of project, creating one if needed.
func (s *Stack) SetState(project, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.containers[project]) == 0 {
		s.containers[project] = []compose.Container{{Name: project + "-app-1", Service: "app", Ports: s.Ports}}
	}
	for i := range s.containers[project] {
		s.containers[project][i].State = state
	}
}

// Calls returns the recorded calls in order.
func (s *Stack) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Count returns how many recorded calls equal "<verb> <project>".
func (s *Stack) Count(verb, project string) int {
	want := verb + " " + project
	n := 0
	for _, c := range s.Calls() {
		if c == want {
			n++
		}
	}
	return n
}

// Volumes is an in-memory compose.Volumes.
type Volumes struct {
	mu      sync.Mutex
	volumes map[string]compose.VolumeOptions
	Err     error
}

// NewVolumes returns an empty Volumes.
func NewVolumes() *Volumes {
	return &Volumes{volumes: make(map[string]compose.VolumeOptions)}
}

func (v *Volumes) EnsureVolume(_ context.Context, name string, opts compose.VolumeOptions) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.Err != nil {
		return false, v.Err
	}
	if _, ok := v.volumes[name]; ok {
		return false, nil
	}
	v.volumes[name] = opts
	return true, nil
}

// Get returns the options a volume was created with.
func (v *Volumes) Get(name string) (compose.VolumeOptions, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	opts, ok := v.volumes[name]
	return opts, ok
}

// Repo is the content a Fetcher serves for one repository.
type Repo struct {
	Manifest *domain.DeploymentManifest // nil means no manifest
	Compose  *domain.ComposeFile        // nil means no compose file
}

// Fetcher serves repository files from memory.
type Fetcher struct {
	mu    sync.Mutex
	repos map[string]Repo
	calls int
}

// NewFetcher returns a Fetcher serving repos.
func NewFetcher(repos map[string]Repo) *Fetcher {
	return &Fetcher{repos: repos}
}

func (f *Fetcher) Manifest(_ context.Context, repo string) (domain.DeploymentManifest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.repos[repo]
	if !ok || r.Manifest == nil {
		return domain.DeploymentManifest{}, fmt.Errorf("%w: %s", domain.ErrManifestUnavailable, repo)
	}
	return *r.Manifest, nil
}

func (f *Fetcher) ComposeFile(_ context.Context, repo string) (domain.ComposeFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	r, ok := f.repos[repo]
	if !ok || r.Compose == nil {
		return domain.ComposeFile{}, fmt.Errorf("%w: %s", domain.ErrComposeFileUnavailable, repo)
	}
	return *r.Compose, nil
}

// ComposeFetches returns how many times a compose file was requested.
func (f *Fetcher) ComposeFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
