package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/minienv/internal/domain"
	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
)

type whitelistResponse struct {
	Repos []domain.WhitelistRepo `json:"repos"`
}

func Whitelist(d deps.Deps) http.HandlerFunc {
	repos := d.Whitelist
	if repos == nil {
		repos = []domain.WhitelistRepo{}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, whitelistResponse{Repos: repos})
	}
}
