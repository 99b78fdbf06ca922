package handlers

import (
	"net/http"

	"github.com/MrSnakeDoc/minienv/internal/httpserver/deps"
	"github.com/MrSnakeDoc/minienv/internal/logger"
)

type reconcileResponse struct {
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// Reconcile queues an immediate reconciliation sweep.
func Reconcile(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case d.ReconcileTrigger <- struct{}{}:
			d.Logger.Info("manual reconciliation triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusAccepted, reconcileResponse{Queued: true, Message: "reconciliation triggered"})
		default:
			d.Logger.Warn("reconciliation already pending",
				logger.String("remote_ip", r.RemoteAddr))
			writeJSON(w, http.StatusTooManyRequests, reconcileResponse{Message: "reconciliation already pending, please wait"})
		}
	}
}
