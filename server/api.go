package main

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/cache"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/feed"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/nonce"
)

const (
	// NonceHeader carries the refresh nonce.
	NonceHeader = "X-Weather-Alerts-Nonce"

	// refreshAction binds nonces to the manual refresh endpoint.
	refreshAction = "refresh_weather_alerts"
)

// Error codes returned in failed responses
const (
	codeInvalidNonce      = "invalid_nonce"
	codeNonceUnavailable  = "nonce_unavailable"
	codeRefreshInProgress = "refresh_in_progress"
	codeFetchFailed       = "fetch_failed"
	codeRefreshFailed     = "refresh_failed"
	codeDashboardDisabled = "dashboard_disabled"
	codeForbidden         = "forbidden"
)

// apiResponse is the JSON envelope of every endpoint.
type apiResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// nonceResponse is the data of GET /nonce.
type nonceResponse struct {
	Nonce  string `json:"nonce"`
	Header string `json:"header"`
}

// dashboardResponse is the data of GET /dashboard.
type dashboardResponse struct {
	Status cache.Status  `json:"status"`
	Alerts []alert.Alert `json:"alerts"`
}

// ServeHTTP handles HTTP requests for the plugin.
// The root URL is currently <siteUrl>/plugins/com.mattermost.plugin-weather-alerts/api/v1/.
func (p *Plugin) ServeHTTP(c *plugin.Context, w http.ResponseWriter, r *http.Request) {
	router := mux.NewRouter()

	// Middleware to require that the user is logged in
	router.Use(p.MattermostAuthorizationRequired)

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/alerts", p.handleGetAlerts).Methods(http.MethodGet)
	apiRouter.HandleFunc("/nonce", p.handleGetNonce).Methods(http.MethodGet)
	apiRouter.HandleFunc("/refresh", p.handleRefresh).Methods(http.MethodPost)
	apiRouter.HandleFunc("/dashboard", p.handleDashboard).Methods(http.MethodGet)

	router.ServeHTTP(w, r)
}

func (p *Plugin) MattermostAuthorizationRequired(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get("Mattermost-User-ID")
		if userID == "" {
			http.Error(w, "Not authorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleGetAlerts serves the current alert list. It never fails.
func (p *Plugin) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	p.writeData(w, p.coordinator.GetAlerts(r.Context()))
}

// handleGetNonce issues a refresh nonce for the requesting user.
func (p *Plugin) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	token, err := p.nonces.Issue(userID, refreshAction)
	if err != nil {
		p.API.LogError("Failed to issue refresh nonce", "userID", userID, "error", err.Error())
		p.writeError(w, http.StatusInternalServerError, codeNonceUnavailable, "Unable to issue a nonce")
		return
	}

	p.writeData(w, nonceResponse{Nonce: token, Header: NonceHeader})
}

// handleRefresh runs a refresh cycle on behalf of the nonce holder.
func (p *Plugin) handleRefresh(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("Mattermost-User-ID")

	token := r.Header.Get(NonceHeader)
	if token == "" {
		p.writeError(w, http.StatusForbidden, codeInvalidNonce, "Missing nonce")
		return
	}

	if err := p.nonces.Verify(token, userID, refreshAction); err != nil {
		switch {
		case errors.Is(err, nonce.ErrExpired):
			p.writeError(w, http.StatusForbidden, codeInvalidNonce, "Nonce expired")
		case errors.Is(err, nonce.ErrInvalid):
			p.writeError(w, http.StatusForbidden, codeInvalidNonce, "Invalid nonce")
		default:
			p.API.LogError("Failed to verify refresh nonce", "userID", userID, "error", err.Error())
			p.writeError(w, http.StatusInternalServerError, codeNonceUnavailable, "Unable to verify nonce")
		}
		return
	}

	alerts, err := p.coordinator.RunRefreshCycle(r.Context())
	if err != nil {
		var fetchErr *feed.FetchError
		switch {
		case errors.Is(err, cache.ErrLockContention):
			p.writeError(w, http.StatusConflict, codeRefreshInProgress, "A refresh is already in progress")
		case errors.As(err, &fetchErr):
			p.writeError(w, http.StatusBadGateway, codeFetchFailed, "Could not retrieve the alert feed")
		default:
			p.API.LogError("Manual weather alerts refresh failed", "userID", userID, "error", err.Error())
			p.writeError(w, http.StatusInternalServerError, codeRefreshFailed, "Refresh failed")
		}
		return
	}

	p.API.LogInfo("Weather alerts refreshed manually", "userID", userID, "alerts", len(alerts))
	p.writeData(w, alerts)
}

// handleDashboard serves the cache status to system admins.
func (p *Plugin) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if !p.getConfiguration().ShowInOperatorDashboard {
		p.writeError(w, http.StatusNotFound, codeDashboardDisabled, "The operator dashboard is disabled")
		return
	}

	userID := r.Header.Get("Mattermost-User-ID")
	if !p.API.HasPermissionTo(userID, model.PermissionManageSystem) {
		p.writeError(w, http.StatusForbidden, codeForbidden, "Only system admins can view the dashboard")
		return
	}

	p.writeData(w, dashboardResponse{
		Status: p.coordinator.Status(),
		Alerts: p.coordinator.GetAlerts(r.Context()),
	})
}

func (p *Plugin) writeData(w http.ResponseWriter, data interface{}) {
	p.writeJSON(w, http.StatusOK, apiResponse{Success: true, Data: data})
}

func (p *Plugin) writeError(w http.ResponseWriter, status int, code, message string) {
	p.writeJSON(w, status, apiResponse{Success: false, Code: code, Message: message})
}

func (p *Plugin) writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		p.API.LogWarn("Failed to write response", "error", err.Error())
	}
}
