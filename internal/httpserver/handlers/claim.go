package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

type claimRequest struct{}

type claimResponse struct {
	ClaimGranted bool   `json:"claimGranted"`
	ClaimToken   string `json:"claimToken,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Claim grants a free environment. Running out of environments is a normal
// 200 answer with claimGranted=false.
func Claim(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		if err := decodeBody(w, r, &req); err != nil {
			d.Logger.Debug("claim rejected", logger.Error(err))
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res := d.Broker.Claim()
		writeJSON(w, http.StatusOK, claimResponse{
			ClaimGranted: res.Granted,
			ClaimToken:   res.Token,
			Message:      res.Message,
		})
	}
}
