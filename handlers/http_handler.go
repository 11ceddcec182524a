// Package handlers provides the HTTP endpoints of the query service: query
// parsing and search, the dashboard summary, health and service info.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/dashboard"
	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/ai-on-fhir/fhirquery/interfaces"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
	"github.com/ai-on-fhir/fhirquery/querymapper"
	"github.com/ai-on-fhir/fhirquery/validation"
	"github.com/goccy/go-json"
)

// Compile-time check to ensure HTTPHandlerImpl implements HTTPHandler
var _ interfaces.HTTPHandler = (*HTTPHandlerImpl)(nil)

// Parse outcomes recorded in metrics.ParseTotal
const (
	outcomeOK       = "ok"
	outcomeInvalid  = "invalid"
	outcomeUpstream = "upstream_error"
	outcomeTimeout  = "timeout"
)

// HTTPHandlerImpl implements the interfaces.HTTPHandler interface
type HTTPHandlerImpl struct {
	dataStore interfaces.DataStore
	validator interfaces.DataValidator
	health    interfaces.HealthChecker
	searcher  fhir.PatientSearcher
	mapper    *querymapper.Mapper
	now       func() time.Time
}

// NewHTTPHandler creates a new HTTP handler with injected dependencies
func NewHTTPHandler(dataStore interfaces.DataStore, validator interfaces.DataValidator,
	health interfaces.HealthChecker, searcher fhir.PatientSearcher) *HTTPHandlerImpl {
	return &HTTPHandlerImpl{
		dataStore: dataStore,
		validator: validator,
		health:    health,
		searcher:  searcher,
		mapper:    querymapper.New(dataStore),
		now:       time.Now,
	}
}

// ParseRequest is the body of POST /parse
type ParseRequest struct {
	Query string `json:"query" validate:"notblank,max=500"`
}

// DashboardRequest is the body of POST /dashboard
type DashboardRequest struct {
	Query string `json:"query" validate:"notblank,max=500"`
	Limit int    `json:"limit" validate:"omitempty,min=1,max=100"`
}

// ParseResponse carries detected both inside mapping and at the top level,
// so clients reading either shape decode it
type ParseResponse struct {
	Mapping  querymapper.Mapping  `json:"mapping"`
	Detected querymapper.Detected `json:"detected"`
	Results  *fhir.Bundle         `json:"results"`
}

// DashboardResponse is the body returned by POST /dashboard
type DashboardResponse struct {
	Mapping   querymapper.Mapping `json:"mapping"`
	Dashboard dashboard.View      `json:"dashboard"`
}

// HealthResponse defines the structure for consistent JSON ordering
type HealthResponse struct {
	Status        string         `json:"status"`
	Mode          string         `json:"mode"`
	LastUpdate    string         `json:"last_update"`
	DataAgeHours  float64        `json:"data_age_hours"`
	Uptime        string         `json:"uptime"`
	UptimeSeconds float64        `json:"uptime_seconds"`
	Data          map[string]any `json:"data"`
	System        map[string]any `json:"system"`
}

// RespondWithJSON writes a JSON response
func (h *HTTPHandlerImpl) RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logging.Error("Failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

// RespondWithError writes a JSON error response
func (h *HTTPHandlerImpl) RespondWithError(w http.ResponseWriter, code int, message string) {
	errorResponse := map[string]any{
		"error":   http.StatusText(code),
		"message": message,
		"code":    code,
	}
	h.RespondWithJSON(w, code, errorResponse)
}

// formatUptimeHuman formats duration into a human-readable string
func (h *HTTPHandlerImpl) formatUptimeHuman(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	var parts []string

	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 || hours > 0 || days > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	parts = append(parts, fmt.Sprintf("%ds", seconds))

	return strings.Join(parts, " ")
}

// decodeBody reads a JSON body into dst and runs struct and query validation.
// On failure the error response has been written and false is returned.
func (h *HTTPHandlerImpl) decodeBody(w http.ResponseWriter, r *http.Request, dst any, query func() string) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.RespondWithError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		} else {
			h.RespondWithError(w, http.StatusBadRequest, "Could not read request body")
		}
		metrics.ParseTotal.WithLabelValues(outcomeInvalid).Inc()
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		h.RespondWithError(w, http.StatusBadRequest, "Request body must be a JSON object with a query field")
		metrics.ParseTotal.WithLabelValues(outcomeInvalid).Inc()
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		h.RespondWithError(w, http.StatusBadRequest, validation.FormatValidationErrors(err))
		metrics.ParseTotal.WithLabelValues(outcomeInvalid).Inc()
		return false
	}

	if err := h.validator.ValidateQuery(query()); err != nil {
		logging.Warn("Unusual user input", "error", err)
		h.RespondWithError(w, http.StatusBadRequest, err.Error())
		metrics.ParseTotal.WithLabelValues(outcomeInvalid).Inc()
		return false
	}

	return true
}

// search maps the query and runs it upstream. On failure the error response
// has been written and a nil bundle is returned.
func (h *HTTPHandlerImpl) search(w http.ResponseWriter, r *http.Request, query string) (querymapper.Mapping, *fhir.Bundle) {
	mapping := h.mapper.Map(query, h.now())

	bundle, err := h.searcher.SearchPatients(r.Context(), mapping.SearchParams)
	if err != nil {
		if fhir.IsTimeout(err) {
			logging.Warn("FHIR search timed out", "mode", h.searcher.Mode(), "error", err)
			metrics.ParseTotal.WithLabelValues(outcomeTimeout).Inc()
			h.RespondWithError(w, http.StatusGatewayTimeout, "FHIR server did not respond in time: "+err.Error())
			return mapping, nil
		}

		logging.Warn("FHIR search failed", "mode", h.searcher.Mode(), "status", fhir.StatusCode(err), "error", err)
		metrics.ParseTotal.WithLabelValues(outcomeUpstream).Inc()
		h.RespondWithError(w, http.StatusBadGateway, "Failed to fetch from FHIR server: "+err.Error())
		return mapping, nil
	}

	metrics.ParseTotal.WithLabelValues(outcomeOK).Inc()
	logging.Debug("Query mapped",
		"params", len(mapping.SearchParams),
		"url", mapping.SimulatedURL,
		"results", bundle.Count(),
	)
	return mapping, bundle
}

// Parse maps a free-text query to a FHIR Patient search and returns the results
func (h *HTTPHandlerImpl) Parse(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if !h.decodeBody(w, r, &req, func() string { return req.Query }) {
		return
	}

	mapping, bundle := h.search(w, r, req.Query)
	if bundle == nil {
		return
	}

	h.RespondWithJSON(w, http.StatusOK, ParseResponse{
		Mapping:  mapping,
		Detected: mapping.Detected,
		Results:  bundle,
	})
}

// Dashboard runs a query and returns the summary view of its results
func (h *HTTPHandlerImpl) Dashboard(w http.ResponseWriter, r *http.Request) {
	var req DashboardRequest
	if !h.decodeBody(w, r, &req, func() string { return req.Query }) {
		return
	}

	mapping, bundle := h.search(w, r, req.Query)
	if bundle == nil {
		return
	}

	h.RespondWithJSON(w, http.StatusOK, DashboardResponse{
		Mapping:   mapping,
		Dashboard: dashboard.BuildView(mapping, bundle, h.searcher.Mode(), h.now(), req.Limit),
	})
}

// HealthCheck reports service health, terminology state and runtime statistics
func (h *HTTPHandlerImpl) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status, data, httpStatus := h.health.HealthCheck()

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Duration(0)
	if start := h.dataStore.GetServerStartTime(); !start.IsZero() {
		uptime = h.now().Sub(start)
	}
	lastUpdate := h.dataStore.GetLastUpdated()

	dataAge, _ := data["data_age_hours"].(float64)

	response := HealthResponse{
		Status:        status,
		Mode:          h.searcher.Mode(),
		LastUpdate:    lastUpdate.Format(time.RFC3339),
		DataAgeHours:  dataAge,
		Uptime:        h.formatUptimeHuman(uptime),
		UptimeSeconds: uptime.Seconds(),
		Data:          data,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       int(m.Alloc / 1024 / 1024),
				"total_alloc_mb": int(m.TotalAlloc / 1024 / 1024),
				"sys_mb":         int(m.Sys / 1024 / 1024),
				"num_gc":         m.NumGC,
			},
		},
	}

	h.RespondWithJSON(w, httpStatus, response)
}

// ServeIndex describes the service and its endpoints
func (h *HTTPHandlerImpl) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	h.RespondWithJSON(w, http.StatusOK, map[string]any{
		"name":        "fhirquery",
		"description": "Natural-language patient search over FHIR",
		"mode":        h.searcher.Mode(),
		"terminology": map[string]any{
			"entries": h.dataStore.GetTerminology().Len(),
			"source":  string(h.dataStore.GetTerminologySource()),
		},
		"endpoints": []map[string]string{
			{"method": http.MethodPost, "path": "/parse", "body": `{"query": "female diabetic patients over 50"}`},
			{"method": http.MethodPost, "path": "/dashboard", "body": `{"query": "...", "limit": 10}`},
			{"method": http.MethodGet, "path": "/health"},
			{"method": http.MethodGet, "path": "/metrics"},
		},
	})
}
