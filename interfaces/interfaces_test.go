package interfaces

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ai-on-fhir/fhirquery/terminology"
)

// MockDataStore implements DataStore interface for testing
type MockDataStore struct {
	index       *terminology.Index
	source      terminology.Source
	report      *TerminologyQualityReport
	upstream    UpstreamStatus
	lastUpdated time.Time
	updating    bool
}

func (m *MockDataStore) GetTerminology() *terminology.Index {
	return m.index
}

func (m *MockDataStore) GetTerminologySource() terminology.Source {
	return m.source
}

func (m *MockDataStore) GetLastUpdated() time.Time {
	return m.lastUpdated
}

func (m *MockDataStore) IsUpdating() bool {
	return m.updating
}

func (m *MockDataStore) GetServerStartTime() time.Time {
	return time.Time{}
}

func (m *MockDataStore) GetUpstreamStatus() UpstreamStatus {
	return m.upstream
}

func (m *MockDataStore) GetQualityReport() *TerminologyQualityReport {
	return m.report
}

func (m *MockDataStore) UpdateTerminology(idx *terminology.Index, source terminology.Source, report *TerminologyQualityReport) {
	m.index = idx
	m.source = source
	m.report = report
	m.lastUpdated = time.Now()
}

func (m *MockDataStore) SetUpstreamStatus(status UpstreamStatus) {
	m.upstream = status
}

func (m *MockDataStore) BeginUpdate() bool {
	if m.updating {
		return false
	}
	m.updating = true
	return true
}

func (m *MockDataStore) EndUpdate() {
	m.updating = false
}

// MockLoader implements TerminologyLoader interface for testing
type MockLoader struct {
	shouldFail bool
}

func (m *MockLoader) Load(ctx context.Context) (terminology.Map, terminology.Source, error) {
	if m.shouldFail {
		return nil, "", &mockError{"load failed"}
	}
	return terminology.Map{
		"asthma": {Code: "J45", Display: "Asthma", Synonyms: []string{"asthmatic"}},
	}, terminology.SourceFile, nil
}

// MockScheduler implements Scheduler interface for testing
type MockScheduler struct {
	started bool
	stopped bool
}

func (m *MockScheduler) Start() error {
	if m.started {
		return &mockError{"already started"}
	}
	m.started = true
	return nil
}

func (m *MockScheduler) Stop() {
	m.stopped = true
}

// MockHTTPHandler implements HTTPHandler interface for testing
type MockHTTPHandler struct {
	responseCode int
	responseBody string
}

func (m *MockHTTPHandler) write(w http.ResponseWriter) {
	w.WriteHeader(m.responseCode)
	_, _ = w.Write([]byte(m.responseBody))
}

func (m *MockHTTPHandler) ServeIndex(w http.ResponseWriter, r *http.Request)  { m.write(w) }
func (m *MockHTTPHandler) Parse(w http.ResponseWriter, r *http.Request)       { m.write(w) }
func (m *MockHTTPHandler) Dashboard(w http.ResponseWriter, r *http.Request)   { m.write(w) }
func (m *MockHTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) { m.write(w) }

// MockHealthChecker implements HealthChecker interface for testing
type MockHealthChecker struct {
	status     string
	details    map[string]any
	httpStatus int
}

func (m *MockHealthChecker) HealthCheck() (string, map[string]any, int) {
	return m.status, m.details, m.httpStatus
}

func (m *MockHealthChecker) NextTerminologyRefresh() time.Time {
	return time.Now().Add(1 * time.Hour)
}

// MockDataValidator implements DataValidator interface for testing
type MockDataValidator struct {
	shouldFail bool
}

func (m *MockDataValidator) ValidateQuery(query string) error {
	if m.shouldFail {
		return fmt.Errorf("query validation failed")
	}
	return nil
}

func (m *MockDataValidator) ValidateStruct(v any) error {
	if m.shouldFail {
		return fmt.Errorf("struct validation failed")
	}
	return nil
}

func (m *MockDataValidator) ValidateTerminology(tm terminology.Map) error {
	if m.shouldFail {
		return fmt.Errorf("terminology validation failed")
	}
	return nil
}

func (m *MockDataValidator) ReportTerminologyQuality(tm terminology.Map) *TerminologyQualityReport {
	return &TerminologyQualityReport{}
}

// mockError is a simple error type for testing
type mockError struct {
	msg string
}

func (e *mockError) Error() string {
	return e.msg
}

func TestDataStoreInterface(t *testing.T) {
	store := &MockDataStore{}

	if !store.BeginUpdate() {
		t.Fatal("First BeginUpdate should succeed")
	}
	if store.BeginUpdate() {
		t.Error("Second BeginUpdate should fail while updating")
	}

	idx := terminology.MustBuildIndex(terminology.Map{"copd": {Code: "J44", Display: "COPD"}})
	store.UpdateTerminology(idx, terminology.SourceEmbedded, nil)
	store.EndUpdate()

	if store.GetTerminology().Len() != 1 {
		t.Errorf("Expected 1 terminology entry, got %d", store.GetTerminology().Len())
	}
	if store.GetTerminologySource() != terminology.SourceEmbedded {
		t.Errorf("Expected source %q, got %q", terminology.SourceEmbedded, store.GetTerminologySource())
	}
	if store.IsUpdating() {
		t.Error("Store should not be updating after EndUpdate")
	}
}

func TestTerminologyLoaderInterface(t *testing.T) {
	loader := &MockLoader{}
	m, source, err := loader.Load(context.Background())
	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
	if len(m) != 1 {
		t.Errorf("Expected 1 entry, got %d", len(m))
	}
	if source != terminology.SourceFile {
		t.Errorf("Expected source %q, got %q", terminology.SourceFile, source)
	}

	loader = &MockLoader{shouldFail: true}
	if _, _, err := loader.Load(context.Background()); err == nil {
		t.Error("Expected error but got none")
	}
}

func TestSchedulerInterface(t *testing.T) {
	scheduler := &MockScheduler{}

	err := scheduler.Start()
	if err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if !scheduler.started {
		t.Error("Scheduler should be started")
	}

	scheduler.Stop()
	if !scheduler.stopped {
		t.Error("Scheduler should be stopped")
	}
}

func TestHTTPHandlerInterface(t *testing.T) {
	handler := &MockHTTPHandler{
		responseCode: http.StatusOK,
		responseBody: "test response",
	}

	req := httptest.NewRequest("POST", "/parse", nil)
	w := httptest.NewRecorder()

	handler.Parse(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Body.String() != "test response" {
		t.Errorf("Expected body 'test response', got '%s'", w.Body.String())
	}
}

func TestHealthCheckerInterface(t *testing.T) {
	checker := &MockHealthChecker{
		status:     "healthy",
		details:    map[string]any{"terminology_entries": 12},
		httpStatus: http.StatusOK,
	}

	status, details, httpStatus := checker.HealthCheck()
	if status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status)
	}
	if httpStatus != http.StatusOK {
		t.Errorf("Expected HTTP status 200, got %d", httpStatus)
	}
	if details["terminology_entries"] != 12 {
		t.Errorf("Expected 12 entries, got '%v'", details["terminology_entries"])
	}
}

func TestDataValidatorInterface(t *testing.T) {
	validator := &MockDataValidator{shouldFail: false}

	if err := validator.ValidateQuery("women over 50"); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	validator = &MockDataValidator{shouldFail: true}
	if err := validator.ValidateQuery("women over 50"); err == nil {
		t.Error("Expected validation error but got none")
	}
}

func TestQualityReportHasIssues(t *testing.T) {
	var nilReport *TerminologyQualityReport
	if nilReport.HasIssues() {
		t.Error("nil report should have no issues")
	}

	report := &TerminologyQualityReport{EntriesWithoutSynonyms: 3}
	if report.HasIssues() {
		t.Error("entries without synonyms alone are not an issue")
	}

	report.MalformedCodes = []string{"XYZ"}
	if !report.HasIssues() {
		t.Error("malformed codes should be reported as an issue")
	}
}

// Compile-time checks to ensure our implementations implement the interfaces
func TestCompileTimeChecks(t *testing.T) {
	var _ DataStore = (*MockDataStore)(nil)
	var _ TerminologyLoader = (*MockLoader)(nil)
	var _ Scheduler = (*MockScheduler)(nil)
	var _ HTTPHandler = (*MockHTTPHandler)(nil)
	var _ HealthChecker = (*MockHealthChecker)(nil)
	var _ DataValidator = (*MockDataValidator)(nil)
}
