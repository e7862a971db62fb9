package controllers

import (
	"net/http"

	"github.com/badgekeep/badgekeep-backend/api/responses"
	"github.com/badgekeep/badgekeep-backend/pkg/config"
	pkgerrors "github.com/badgekeep/badgekeep-backend/pkg/errors"
	"github.com/badgekeep/badgekeep-backend/pkg/logger"
)

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-BadgeKeep-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady verifies the hard dependencies before reporting ready.
func HealthReady(cfg *config.Config, logg *logger.Logger, checks map[string]func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-BadgeKeep-Env", cfg.App.Env)
		for name, check := range checks {
			if err := check(); err != nil {
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeUnavailable, err, name+" unavailable"))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
