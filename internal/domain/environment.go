package domain

import "time"

// Status is the lifecycle state of one pool slot.
type Status int

const (
	StatusIdle Status = iota
	StatusProvisioning
	StatusClaimed
	StatusRunning
	StatusUpdating
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProvisioning:
		return "provisioning"
	case StatusClaimed:
		return "claimed"
	case StatusRunning:
		return "running"
	case StatusUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// HoldsClaim reports whether a slot in this state carries a claim token.
func (s Status) HoldsClaim() bool {
	return s == StatusClaimed || s == StatusRunning || s == StatusUpdating
}

// Environment is one pool slot.
//
// Environments are created once when the pool is built and recycled for the
// lifetime of the process. Repo and Details are only meaningful while the slot
// is Running.
type Environment struct {
	// ID is the stable 1-based identifier ("1", "2", ...).
	ID string

	// Index is the zero-based ordinal used for port allocation.
	Index int

	Status     Status
	ClaimToken string

	// LastActivity is stamped by claim, ping and up.
	LastActivity time.Time

	Repo    string
	Details *Details

	// StatusSince records when the slot entered its current status.
	StatusSince time.Time

	// Revision is bumped by every committed claim or update.
	Revision uint64
}

// Snapshot is an immutable copy of an Environment, safe to use outside the pool lock.
type Snapshot struct {
	ID           string
	Index        int
	Status       Status
	ClaimToken   string
	LastActivity time.Time
	StatusSince  time.Time
	Repo         string
	Details      *Details
	Revision     uint64
}

// Snapshot copies the environment. Details is shared: it is never mutated after
// a deployment stores it.
func (e *Environment) Snapshot() Snapshot {
	return Snapshot{
		ID:           e.ID,
		Index:        e.Index,
		Status:       e.Status,
		ClaimToken:   e.ClaimToken,
		LastActivity: e.LastActivity,
		StatusSince:  e.StatusSince,
		Repo:         e.Repo,
		Details:      e.Details,
		Revision:     e.Revision,
	}
}

// IdleFor returns how long the slot has gone without activity.
func (s Snapshot) IdleFor(now time.Time) time.Duration {
	if s.LastActivity.IsZero() {
		return 0
	}
	return now.Sub(s.LastActivity)
}

// Details is the result of a successful deployment.
type Details struct {
	Repo            string     `json:"repo"`
	DeployToBluemix bool       `json:"deployToBluemix"`
	LogURL          string     `json:"logUrl"`
	EditorURL       string     `json:"editorUrl"`
	Tabs            []ProxyTab `json:"tabs"`

	LogPort    int `json:"-"`
	EditorPort int `json:"-"`
	ProxyPort  int `json:"-"`
}

// ProxyTab is one routable endpoint of a deployed environment.
type ProxyTab struct {
	Port int    `json:"port"`
	Name string `json:"name"`
	Path string `json:"path"`
	URL  string `json:"url"`
}

// WhitelistRepo is a repository offered to clients by /api/whitelist.
type WhitelistRepo struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}
