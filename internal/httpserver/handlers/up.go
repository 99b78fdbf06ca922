package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

type upRequest struct {
	ClaimToken string `json:"claimToken"`
	Repo       string `json:"repo"`
}

// Up deploys a repository into the caller's environment and answers with its
// details.
func Up(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req upRequest
		if err := decodeBody(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.ClaimToken == "" || req.Repo == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: claimToken and repo are required", domain.ErrMalformedRequest))
			return
		}

		details, err := d.Broker.Up(r.Context(), req.ClaimToken, req.Repo)
		if err != nil {
			status, msg := upError(err)
			if status >= http.StatusInternalServerError {
				d.Logger.Error("up failed",
					logger.String("repo", req.Repo),
					logger.Error(err))
			}
			writeError(w, status, msg)
			return
		}

		writeJSON(w, http.StatusOK, details)
	}
}

func upError(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrMalformedRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrClaimNotFound):
		return http.StatusUnauthorized, domain.ErrClaimNotFound.Error()
	case errors.Is(err, domain.ErrComposeFileUnavailable):
		return http.StatusBadRequest, domain.ErrComposeFileUnavailable.Error()
	default:
		return http.StatusInternalServerError, "deployment failed"
	}
}
