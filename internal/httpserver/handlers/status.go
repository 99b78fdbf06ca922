package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
)

type envStatus struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Repo        string  `json:"repo,omitempty"`
	IdleSeconds float64 `json:"idle_seconds"`
	SinceUnix   int64   `json:"since"`
}

type componentStatus struct {
	OK    bool   `json:"ok"`
	Mode  string `json:"mode,omitempty"`
	Error string `json:"error,omitempty"`
}

type statusResponse struct {
	Size         int                        `json:"size"`
	Counts       map[string]int             `json:"counts"`
	Environments []envStatus                `json:"environments"`
	Components   map[string]componentStatus `json:"components"`
}

// Status summarises the pool for operators. Claim tokens are never shown.
func Status(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := d.Pool.Now()
		snaps := d.Pool.Snapshots()

		res := statusResponse{
			Size:         len(snaps),
			Counts:       make(map[string]int),
			Environments: make([]envStatus, 0, len(snaps)),
			Components: map[string]componentStatus{
				"docker": checkPinger(r.Context(), d.Docker, "required"),
				"redis":  checkPinger(r.Context(), d.Mirror, "mirror"),
			},
		}
		for _, s := range snaps {
			res.Counts[s.Status.String()]++
			res.Environments = append(res.Environments, envStatus{
				ID:          s.ID,
				Status:      s.Status.String(),
				Repo:        repoOf(s),
				IdleSeconds: s.IdleFor(now).Seconds(),
				SinceUnix:   s.StatusSince.Unix(),
			})
		}

		writeJSON(w, http.StatusOK, res)
	}
}

func repoOf(s domain.Snapshot) string {
	if s.Status != domain.StatusRunning {
		return ""
	}
	return s.Repo
}

func checkPinger(ctx context.Context, p deps.Pinger, mode string) componentStatus {
	if p == nil {
		return componentStatus{OK: false, Mode: "disabled"}
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return componentStatus{OK: false, Mode: mode, Error: "unreachable"}
	}
	return componentStatus{OK: true, Mode: mode}
}
