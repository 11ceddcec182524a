// Package interfaces defines the core abstractions of the query service
// so packages depend on contracts rather than on each other.
package interfaces

import (
	"context"
	"net/http"
	"time"

	"github.com/ai-on-fhir/fhirquery/terminology"
)

// TerminologyQualityReport summarises problems found in a synonym map
type TerminologyQualityReport struct {
	DuplicateSynonyms []string // folded phrases claimed by more than one entry
	DuplicateCodes    []string // codes shared by more than one entry
	EmptyCodes        []string // entry keys without a code
	EmptyDisplays     []string // entry keys without a display
	MalformedCodes    []string // codes that are not ICD-10 shaped

	EntriesWithoutSynonyms int
}

// HasIssues reports whether any check found something
func (r *TerminologyQualityReport) HasIssues() bool {
	if r == nil {
		return false
	}
	return len(r.DuplicateSynonyms) > 0 || len(r.DuplicateCodes) > 0 || len(r.EmptyCodes) > 0 ||
		len(r.EmptyDisplays) > 0 || len(r.MalformedCodes) > 0
}

// UpstreamStatus is the outcome of the last FHIR server probe
type UpstreamStatus struct {
	OK        bool
	CheckedAt time.Time
	Latency   time.Duration
	Error     string
}

// DataStore defines the contract for the terminology snapshot and runtime state.
// Reads never block; UpdateTerminology swaps the whole snapshot at once.
type DataStore interface {
	GetTerminology() *terminology.Index
	GetTerminologySource() terminology.Source
	GetLastUpdated() time.Time
	IsUpdating() bool
	GetServerStartTime() time.Time
	GetUpstreamStatus() UpstreamStatus
	GetQualityReport() *TerminologyQualityReport

	UpdateTerminology(idx *terminology.Index, source terminology.Source, report *TerminologyQualityReport)
	SetUpstreamStatus(status UpstreamStatus)
	BeginUpdate() bool
	EndUpdate()
}

// TerminologyLoader fetches the condition synonym map from its configured sources
type TerminologyLoader interface {
	Load(ctx context.Context) (terminology.Map, terminology.Source, error)
}

// UpstreamProber checks that the FHIR backend answers
type UpstreamProber interface {
	Ping(ctx context.Context) error
}

// Scheduler defines the contract for background jobs
type Scheduler interface {
	Start() error
	Stop()
}

// HTTPHandler defines the endpoints served by the API
type HTTPHandler interface {
	ServeIndex(w http.ResponseWriter, r *http.Request)
	Parse(w http.ResponseWriter, r *http.Request)
	Dashboard(w http.ResponseWriter, r *http.Request)
	HealthCheck(w http.ResponseWriter, r *http.Request)
}

// HealthChecker reports service health for the /health endpoint
type HealthChecker interface {
	HealthCheck() (status string, data map[string]any, httpStatus int)

	// NextTerminologyRefresh returns when the terminology is next due for reload
	NextTerminologyRefresh() time.Time
}

// DataValidator validates user input and reference data
type DataValidator interface {
	// ValidateQuery checks a free-text search query
	ValidateQuery(query string) error

	// ValidateStruct applies the struct's validate tags
	ValidateStruct(v any) error

	// ValidateTerminology rejects maps that cannot serve lookups
	ValidateTerminology(m terminology.Map) error

	// ReportTerminologyQuality lists non-fatal problems in a map
	ReportTerminologyQuality(m terminology.Map) *TerminologyQualityReport
}
