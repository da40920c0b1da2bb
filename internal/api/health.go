package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/studyhub/groupchannel/internal/api/common"
	"github.com/studyhub/groupchannel/internal/service"
	"github.com/studyhub/groupchannel/internal/versions"
)

// HealthRouter creates a router for health check endpoints
func HealthRouter(svc service.ChannelService) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(svc))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler reports that the process is up
//
// @Summary		Health check
// @Tags			system
// @Produce		json
// @Success		200	{object}	HealthResponse
// @Router			/health [get]
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler reports whether the dispatcher registry answers
//
// @Summary		Readiness check
// @Description	Ready once the dispatcher registry answers
// @Tags			system
// @Produce		json
// @Success		200	{object}	ReadinessResponse
// @Failure		503	{object}	common.ErrorResponse
// @Router			/readiness [get]
func readinessHandler(svc service.ChannelService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CheckReadiness(r.Context()); err != nil {
			common.WriteErrorResponse(w, "channel service not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready"}, http.StatusOK)
	}
}

// versionHandler returns the build information
//
// @Summary		Version information
// @Tags			system
// @Produce		json
// @Success		200	{object}	VersionResponse
// @Router			/version [get]
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	info := versions.GetVersionInfo()
	common.WriteJSONResponse(w, VersionResponse{
		Version:   info.Version,
		Commit:    info.Commit,
		BuildDate: info.BuildDate,
		GoVersion: info.GoVersion,
		Platform:  info.Platform,
	}, http.StatusOK)
}
