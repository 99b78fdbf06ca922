package handlers

import (
	"fmt"
	"net/http"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
)

type pingRequest struct {
	ClaimToken    string `json:"claimToken"`
	GetEnvDetails bool   `json:"getEnvDetails"`
}

type pingResponse struct {
	ClaimGranted bool            `json:"claimGranted"`
	Up           bool            `json:"up"`
	Repo         string          `json:"repo,omitempty"`
	EnvDetails   *domain.Details `json:"envDetails,omitempty"`
}

func Ping(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pingRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.ClaimToken == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: claimToken is required", domain.ErrMalformedRequest))
			return
		}

		res := d.Broker.Ping(r.Context(), req.ClaimToken, req.GetEnvDetails)
		writeJSON(w, http.StatusOK, pingResponse{
			ClaimGranted: res.Granted,
			Up:           res.Up,
			Repo:         res.Repo,
			EnvDetails:   res.Details,
		})
	}
}
