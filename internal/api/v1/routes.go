// Package v1 provides the group channel API v1 endpoints.
package v1

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/studyhub/groupchannel/internal/api/common"
	"github.com/studyhub/groupchannel/internal/auth"
	"github.com/studyhub/groupchannel/internal/service"
	"github.com/studyhub/groupchannel/internal/versions"
)

// DefaultRequestTimeout bounds every request except channel connections
const DefaultRequestTimeout = 30 * time.Second

// ClientVersionQueryParam is the query parameter clients report their version in
const ClientVersionQueryParam = "clientVersion"

// Option configures the v1 routes
type Option func(*Routes)

// WithGate sets the auth gate. Without one every request is allowed.
func WithGate(gate *auth.Gate) Option {
	return func(routes *Routes) {
		routes.gate = gate
	}
}

// WithAllowedOrigins sets the origins allowed to open channels. Empty means same
// origin only, "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(routes *Routes) {
		routes.upgrader.CheckOrigin = originChecker(origins)
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout
func WithRequestTimeout(d time.Duration) Option {
	return func(routes *Routes) {
		if d > 0 {
			routes.requestTimeout = d
		}
	}
}

// WithMinClientVersion rejects channels from clients older than version
func WithMinClientVersion(version string) Option {
	return func(routes *Routes) {
		routes.minClientVersion = version
	}
}

// Routes handles HTTP requests for the v1 endpoints
type Routes struct {
	service          service.ChannelService
	gate             *auth.Gate
	upgrader         websocket.Upgrader
	requestTimeout   time.Duration
	minClientVersion string
}

// NewRoutes creates a new Routes instance with the given service
func NewRoutes(svc service.ChannelService, opts ...Option) *Routes {
	routes := &Routes{
		service: svc,
		gate:    &auth.Gate{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(nil),
		},
		requestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(routes)
	}
	return routes
}

// Router creates and configures the HTTP router for the v1 endpoints
func Router(svc service.ChannelService, opts ...Option) http.Handler {
	routes := NewRoutes(svc, opts...)
	gate := routes.gate

	r := chi.NewRouter()
	r.Use(gate.Authenticate)

	r.With(middleware.Timeout(routes.requestTimeout), gate.RequireAdmin).Get("/groups", routes.listGroups)

	r.Route("/groups/{groupID}", func(r chi.Router) {
		// Channel connections outlive any request timeout
		r.With(gate.RequireRun).Get("/runs/{runID}/channel", routes.openChannel)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(routes.requestTimeout))

			r.Group(func(r chi.Router) {
				r.Use(gate.RequireRun)
				r.Delete("/runs/{runID}/channel", routes.closeChannel)
				r.Delete("/runs/{runID}", routes.leaveGroup)
			})

			r.Group(func(r chi.Router) {
				r.Use(gate.RequireAdmin)
				r.Get("/", routes.getGroup)
				r.Get("/session", routes.getSession)
				r.Put("/session", routes.updateSession)
				r.Post("/messages", routes.send)
				r.Post("/finish", routes.finish)
				r.Post("/runs/{runID}/reassign", routes.reassign)
			})
		})
	})

	return r
}

// openChannel handles GET /api/v1/groups/{groupID}/runs/{runID}/channel
//
// @Summary		Open a channel
// @Description	Upgrade to a WebSocket channel for the run. An existing channel of the run is closed first.
// @Tags			channels
// @Param			groupID			path		string	true	"Group ID"
// @Param			runID			path		string	true	"Run ID"
// @Param			clientVersion	query		string	false	"Client version, checked against the configured minimum"
// @Success		101
// @Failure		400				{object}	common.ErrorResponse
// @Failure		401				{object}	common.ErrorResponse
// @Failure		403				{object}	common.ErrorResponse
// @Failure		409				{object}	common.ErrorResponse	"Group finished"
// @Failure		426				{object}	common.ErrorResponse	"Client too old"
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/runs/{runID}/channel [get]
func (routes *Routes) openChannel(w http.ResponseWriter, r *http.Request) {
	run, ok := runFromRequest(w, r)
	if !ok {
		return
	}

	if !versions.AtLeast(r.URL.Query().Get(ClientVersionQueryParam), routes.minClientVersion) {
		common.WriteErrorResponse(w,
			fmt.Sprintf("client version %s or newer is required", routes.minClientVersion),
			http.StatusUpgradeRequired)
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		common.WriteErrorResponse(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	// Checked before the run's current channel is closed
	if !routes.upgrader.CheckOrigin(r) {
		common.WriteErrorResponse(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ch, err := routes.service.OpenChannel(r.Context(), run)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	conn, err := routes.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied
		slog.Debug("WebSocket upgrade failed", "group", run.GroupID, "run", run.RunID, "error", err)
		ch.Close()
		return
	}

	if err := ch.Serve(r.Context(), conn); err != nil {
		slog.Debug("Channel not served", "group", run.GroupID, "run", run.RunID, "error", err)
	}
}

// closeChannel handles DELETE /api/v1/groups/{groupID}/runs/{runID}/channel
//
// @Summary		Close a channel
// @Description	Close the run's channel without leaving the group
// @Tags			channels
// @Produce		json
// @Param			groupID	path		string	true	"Group ID"
// @Param			runID	path		string	true	"Run ID"
// @Success		202		{object}	StatusResponse
// @Failure		400		{object}	common.ErrorResponse
// @Failure		401		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/runs/{runID}/channel [delete]
func (routes *Routes) closeChannel(w http.ResponseWriter, r *http.Request) {
	run, ok := runFromRequest(w, r)
	if !ok {
		return
	}

	routes.service.CloseChannel(run)
	common.WriteJSONResponse(w, StatusResponse{Status: "closing"}, http.StatusAccepted)
}

// leaveGroup handles DELETE /api/v1/groups/{groupID}/runs/{runID}
//
// @Summary		Leave a group
// @Description	Remove the run from the group and close its channel
// @Tags			channels
// @Produce		json
// @Param			groupID	path		string	true	"Group ID"
// @Param			runID	path		string	true	"Run ID"
// @Success		200		{object}	LeaveResponse
// @Failure		400		{object}	common.ErrorResponse
// @Failure		401		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/runs/{runID} [delete]
func (routes *Routes) leaveGroup(w http.ResponseWriter, r *http.Request) {
	run, ok := runFromRequest(w, r)
	if !ok {
		return
	}

	left, err := routes.service.LeaveGroup(r.Context(), run)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, LeaveResponse{Left: left}, http.StatusOK)
}

// reassign handles POST /api/v1/groups/{groupID}/runs/{runID}/reassign
//
// @Summary		Reassign a channel
// @Description	Move the run's open channel to another group
// @Tags			groups
// @Accept			json
// @Produce		json
// @Param			groupID	path		string				true	"Group ID"
// @Param			runID	path		string				true	"Run ID"
// @Param			request	body		ReassignRequest		true	"Target group"
// @Success		200		{object}	ReassignResponse
// @Failure		400		{object}	common.ErrorResponse
// @Failure		403		{object}	common.ErrorResponse
// @Failure		409		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/runs/{runID}/reassign [post]
func (routes *Routes) reassign(w http.ResponseWriter, r *http.Request) {
	run, ok := runFromRequest(w, r)
	if !ok {
		return
	}

	var req ReassignRequest
	if err := common.DecodeJSONBody(w, r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	moved, err := routes.service.ReassignChannel(r.Context(), run, req.TargetGroupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, ReassignResponse{Moved: moved}, http.StatusOK)
}

// listGroups handles GET /api/v1/groups
//
// @Summary		List groups
// @Description	List the groups that have a live dispatcher
// @Tags			groups
// @Produce		json
// @Success		200	{object}	GroupListResponse
// @Failure		401	{object}	common.ErrorResponse
// @Failure		403	{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups [get]
func (routes *Routes) listGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := routes.service.Groups(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, GroupListResponse{Groups: groups, Count: len(groups)}, http.StatusOK)
}

// getGroup handles GET /api/v1/groups/{groupID}
//
// @Summary		Get group
// @Description	Get the state, session version and channel count of a group
// @Tags			groups
// @Produce		json
// @Param			groupID	path		string	true	"Group ID"
// @Success		200		{object}	service.GroupInfo
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID} [get]
func (routes *Routes) getGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	info, err := routes.service.GroupInfo(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, info, http.StatusOK)
}

// getSession handles GET /api/v1/groups/{groupID}/session
//
// @Summary		Get session
// @Description	Get the current session snapshot of a group
// @Tags			sessions
// @Produce		json
// @Param			groupID	path		string	true	"Group ID"
// @Success		200		{object}	service.Session
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/session [get]
func (routes *Routes) getSession(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	session, err := routes.service.Session(r.Context(), groupID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, session, http.StatusOK)
}

// updateSession handles PUT /api/v1/groups/{groupID}/session. The optional runId query
// parameter names the run the update is made for; that run gets the acknowledgement.
//
// @Summary		Update session
// @Description	Apply a versioned session update. A stale base version is answered with 409 and the current snapshot.
// @Tags			sessions
// @Accept			json
// @Produce		json
// @Param			groupID	path		string					true	"Group ID"
// @Param			runId	query		string					false	"Run the acknowledgement goes to"
// @Param			request	body		service.SessionUpdate	true	"Session update"
// @Success		200		{object}	service.SessionResult
// @Failure		400		{object}	common.ErrorResponse
// @Failure		409		{object}	service.SessionResult
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/session [put]
func (routes *Routes) updateSession(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	var update service.SessionUpdate
	if err := common.DecodeJSONBody(w, r, &update); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	run := service.Run{GroupID: groupID, RunID: r.URL.Query().Get("runId")}
	result, err := routes.service.UpdateSession(r.Context(), run, update)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Status == service.SessionConflict {
		status = http.StatusConflict
	}
	common.WriteJSONResponse(w, result, status)
}

// send handles POST /api/v1/groups/{groupID}/messages
//
// @Summary		Send a message
// @Description	Send a payload to one run of the group, or to every channel when no recipient is given
// @Tags			groups
// @Accept			json
// @Produce		json
// @Param			groupID	path		string		true	"Group ID"
// @Param			request	body		SendRequest	true	"Message"
// @Success		202		{object}	StatusResponse
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/messages [post]
func (routes *Routes) send(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	var req SendRequest
	if err := common.DecodeJSONBody(w, r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		common.WriteErrorResponse(w, "payload is required", http.StatusBadRequest)
		return
	}

	if err := routes.service.Send(r.Context(), groupID, req.Recipient, req.Payload); err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "sent"}, http.StatusAccepted)
}

// finish handles POST /api/v1/groups/{groupID}/finish
//
// @Summary		Finish a group
// @Description	Mark the group finished, close its channels and reject further joins
// @Tags			groups
// @Produce		json
// @Param			groupID	path		string	true	"Group ID"
// @Success		200		{object}	StatusResponse
// @Failure		400		{object}	common.ErrorResponse
// @Failure		404		{object}	common.ErrorResponse
// @Security		BearerAuth
// @Router			/api/v1/groups/{groupID}/finish [post]
func (routes *Routes) finish(w http.ResponseWriter, r *http.Request) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return
	}

	if err := routes.service.FinishGroup(r.Context(), groupID); err != nil {
		writeServiceError(w, err)
		return
	}
	common.WriteJSONResponse(w, StatusResponse{Status: "finished"}, http.StatusOK)
}

func groupFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	groupID, err := common.GroupID(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return groupID, true
}

func runFromRequest(w http.ResponseWriter, r *http.Request) (service.Run, bool) {
	groupID, ok := groupFromRequest(w, r)
	if !ok {
		return service.Run{}, false
	}
	runID, err := common.RunID(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return service.Run{}, false
	}
	return service.Run{GroupID: groupID, RunID: runID}, true
}

// writeServiceError maps service errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrGroupNotFound):
		common.WriteErrorResponse(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrInvalidRun),
		errors.Is(err, service.ErrInvalidMessage),
		errors.Is(err, service.ErrInvalidSessionUpdate),
		errors.Is(err, service.ErrInvalidReassignment):
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrGroupFinished):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrStopped), errors.Is(err, service.ErrGroupUnavailable):
		common.WriteErrorResponse(w, err.Error(), http.StatusServiceUnavailable)
	default:
		// Includes service.ErrTimeout
		slog.Error("Request failed", "error", err)
		common.WriteErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// originChecker returns the CheckOrigin function for the allowed origins
func originChecker(allowed []string) func(*http.Request) bool {
	if slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Not a browser
			return true
		}
		if len(allowed) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(a, origin)
		})
	}
}
