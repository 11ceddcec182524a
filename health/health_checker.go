// Package health reports whether the service can answer queries.
package health

import (
	"math"
	"net/http"
	"time"

	"github.com/ai-on-fhir/fhirquery/interfaces"
)

// Health status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Compile-time check to ensure HealthCheckerImpl implements HealthChecker
var _ interfaces.HealthChecker = (*HealthCheckerImpl)(nil)

// HealthCheckerImpl implements the interfaces.HealthChecker interface
type HealthCheckerImpl struct {
	dataStore interfaces.DataStore
	refresh   time.Duration
	now       func() time.Time
}

// NewHealthChecker creates a health checker; refresh is the terminology reload interval
func NewHealthChecker(dataStore interfaces.DataStore, refresh time.Duration) *HealthCheckerImpl {
	return &HealthCheckerImpl{
		dataStore: dataStore,
		refresh:   refresh,
		now:       time.Now,
	}
}

// HealthCheck returns the status, the details for the /health body and the HTTP code.
// Without terminology no query can be mapped, so the service is unhealthy. A
// failed upstream probe or a terminology that missed two reloads is degraded.
func (h *HealthCheckerImpl) HealthCheck() (status string, data map[string]any, httpStatus int) {
	idx := h.dataStore.GetTerminology()
	lastUpdate := h.dataStore.GetLastUpdated()
	isUpdating := h.dataStore.IsUpdating()
	upstream := h.dataStore.GetUpstreamStatus()

	dataAge := h.now().Sub(lastUpdate)
	probed := !upstream.CheckedAt.IsZero()

	switch {
	case idx.Len() == 0:
		status = StatusUnhealthy
		httpStatus = http.StatusServiceUnavailable

	case probed && !upstream.OK:
		status = StatusDegraded
		httpStatus = http.StatusServiceUnavailable

	case h.refresh > 0 && dataAge > 2*h.refresh:
		status = StatusDegraded
		httpStatus = http.StatusServiceUnavailable

	default:
		status = StatusHealthy
		httpStatus = http.StatusOK
	}

	upstreamData := map[string]any{
		"ok":      upstream.OK,
		"checked": probed,
	}
	if probed {
		upstreamData["checked_at"] = upstream.CheckedAt.Format(time.RFC3339)
		upstreamData["latency_ms"] = upstream.Latency.Milliseconds()
	}
	if upstream.Error != "" {
		upstreamData["error"] = upstream.Error
	}

	data = map[string]any{
		"last_update":          lastUpdate.Format(time.RFC3339),
		"data_age_hours":       math.Round(dataAge.Hours()*10) / 10,
		"terminology_entries":  idx.Len(),
		"terminology_synonyms": idx.SynonymCount(),
		"terminology_source":   string(h.dataStore.GetTerminologySource()),
		"is_updating":          isUpdating,
		"next_refresh":         h.NextTerminologyRefresh().Format(time.RFC3339),
		"upstream":             upstreamData,
	}

	return status, data, httpStatus
}

// NextTerminologyRefresh returns the last load plus the refresh interval,
// or now when nothing has been loaded yet
func (h *HealthCheckerImpl) NextTerminologyRefresh() time.Time {
	now := h.now()
	lastUpdate := h.dataStore.GetLastUpdated()
	if lastUpdate.IsZero() {
		return now
	}

	next := lastUpdate.Add(h.refresh)
	if next.Before(now) {
		return now
	}
	return next
}
