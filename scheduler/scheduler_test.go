package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ai-on-fhir/fhirquery/data"
	"github.com/ai-on-fhir/fhirquery/terminology"
	"github.com/ai-on-fhir/fhirquery/validation"
)

// mockLoader for testing scheduler
type mockLoader struct {
	loadCount  atomic.Int32
	shouldFail bool
	m          terminology.Map
}

func (l *mockLoader) Load(ctx context.Context) (terminology.Map, terminology.Source, error) {
	l.loadCount.Add(1)
	if l.shouldFail {
		return nil, "", errors.New("download failed")
	}
	if l.m != nil {
		return l.m, terminology.SourceURL, nil
	}
	return terminology.Map{
		"asthma":   {Code: "J45", Display: "Asthma", Synonyms: []string{"asthmatic"}},
		"diabetes": {Code: "E11", Display: "Type 2 diabetes mellitus", Synonyms: []string{"diabetic"}},
	}, terminology.SourceURL, nil
}

// mockProber for testing scheduler
type mockProber struct {
	pings atomic.Int32
	err   error
}

func (p *mockProber) Ping(ctx context.Context) error {
	p.pings.Add(1)
	return p.err
}

func newTestScheduler(store *data.DataContainer, loader *mockLoader, prober *mockProber) *Scheduler {
	var s *Scheduler
	if prober == nil {
		s = NewScheduler(store, loader, nil, validation.NewDataValidator(), Options{})
	} else {
		s = NewScheduler(store, loader, prober, validation.NewDataValidator(), Options{})
	}
	return s
}

func TestScheduler_SuccessfulInitialLoad(t *testing.T) {
	store := data.NewDataContainer()
	loader := &mockLoader{}

	scheduler := newTestScheduler(store, loader, nil)
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Unexpected error during start: %v", err)
	}
	defer scheduler.Stop()

	if loader.loadCount.Load() != 1 {
		t.Errorf("Expected 1 load call, got %d", loader.loadCount.Load())
	}

	idx := store.GetTerminology()
	if idx.Len() != 2 {
		t.Fatalf("Expected 2 terminology entries, got %d", idx.Len())
	}
	if _, ok := idx.Lookup("asthmatic"); !ok {
		t.Error("Expected synonym 'asthmatic' to be indexed")
	}
	if store.GetTerminologySource() != terminology.SourceURL {
		t.Errorf("Expected source %q, got %q", terminology.SourceURL, store.GetTerminologySource())
	}
	if store.GetQualityReport() == nil {
		t.Error("Expected a quality report to be stored")
	}
	if store.IsUpdating() {
		t.Error("Update flag should be released after the load")
	}
}

func TestScheduler_LoadFailure(t *testing.T) {
	store := data.NewDataContainer()
	loader := &mockLoader{shouldFail: true}

	scheduler := newTestScheduler(store, loader, nil)
	if err := scheduler.Start(); err == nil {
		t.Error("Expected error during start but got none")
	}

	if store.GetTerminology() != nil {
		t.Error("No terminology should be stored after a failed load")
	}
	if store.IsUpdating() {
		t.Error("Update flag should be released after a failure")
	}
}

func TestScheduler_RejectsUnusableTerminology(t *testing.T) {
	store := data.NewDataContainer()
	loader := &mockLoader{m: terminology.Map{"mystery": {Display: "No code"}}}

	err := newTestScheduler(store, loader, nil).updateTerminology()
	if !errors.Is(err, terminology.ErrEmptyTerminology) {
		t.Errorf("Expected ErrEmptyTerminology, got %v", err)
	}
	if store.GetTerminology() != nil {
		t.Error("Rejected terminology should not be stored")
	}
}

func TestScheduler_FailedReloadKeepsPreviousTerminology(t *testing.T) {
	store := data.NewDataContainer()
	loader := &mockLoader{}
	s := newTestScheduler(store, loader, nil)

	if err := s.updateTerminology(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	before := store.GetTerminology()

	loader.shouldFail = true
	if err := s.updateTerminology(); err == nil {
		t.Error("Expected reload error")
	}

	if store.GetTerminology() != before {
		t.Error("Previous terminology should survive a failed reload")
	}
}

func TestScheduler_ReloadWithFailingURLKeepsDownloadedTerminology(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"gout":{"code":"M10","display":"Gout","synonyms":["gouty arthritis"]}}`))
	}))
	defer srv.Close()

	store := data.NewDataContainer()
	loader := terminology.NewLoader(srv.URL, "", time.Second)
	s := NewScheduler(store, loader, nil, validation.NewDataValidator(), Options{})

	if err := s.updateTerminology(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	before := store.GetTerminology()
	updatedAt := store.GetLastUpdated()

	failing.Store(true)
	err := s.updateTerminology()
	if !errors.Is(err, terminology.ErrSourceUnavailable) {
		t.Fatalf("Expected ErrSourceUnavailable, got %v", err)
	}

	if store.GetTerminology() != before {
		t.Fatal("Downloaded terminology should survive a failed reload")
	}
	if store.GetTerminologySource() != terminology.SourceURL {
		t.Errorf("Expected source url, got %s", store.GetTerminologySource())
	}
	if !store.GetLastUpdated().Equal(updatedAt) {
		t.Error("Failed reload should not refresh the update timestamp")
	}
	if _, ok := store.GetTerminology().Lookup("gouty arthritis"); !ok {
		t.Error("Expected gout synonyms to remain searchable")
	}
	if _, ok := store.GetTerminology().Lookup("diabetes"); ok {
		t.Error("Embedded map should not replace the downloaded one")
	}
	if store.IsUpdating() {
		t.Error("Update flag should be released after a failed reload")
	}
}

func TestScheduler_ConcurrentUpdatePrevention(t *testing.T) {
	store := data.NewDataContainer()
	loader := &mockLoader{}

	// Simulate an update in progress
	store.BeginUpdate()

	if err := newTestScheduler(store, loader, nil).updateTerminology(); err != nil {
		t.Errorf("Unexpected error with concurrent update: %v", err)
	}

	if loader.loadCount.Load() != 0 {
		t.Errorf("Expected 0 loads due to concurrent update, got %d", loader.loadCount.Load())
	}
	if !store.IsUpdating() {
		t.Error("Skipped update must not release another update's flag")
	}
}

func TestScheduler_ProbeRecordsStatus(t *testing.T) {
	store := data.NewDataContainer()
	prober := &mockProber{}
	s := newTestScheduler(store, &mockLoader{}, prober)

	s.probeUpstream()
	status := store.GetUpstreamStatus()
	if !status.OK || status.CheckedAt.IsZero() || status.Error != "" {
		t.Errorf("Expected successful probe status, got %+v", status)
	}

	prober.err = errors.New("503 Server Error")
	s.probeUpstream()
	status = store.GetUpstreamStatus()
	if status.OK {
		t.Error("Expected failed probe status")
	}
	if status.Error != "503 Server Error" {
		t.Errorf("Expected probe error to be recorded, got %q", status.Error)
	}

	if prober.pings.Load() != 2 {
		t.Errorf("Expected 2 pings, got %d", prober.pings.Load())
	}
}

func TestScheduler_StartRunsFirstProbe(t *testing.T) {
	store := data.NewDataContainer()
	prober := &mockProber{}

	scheduler := newTestScheduler(store, &mockLoader{}, prober)
	if err := scheduler.Start(); err != nil {
		t.Fatalf("Unexpected error during start: %v", err)
	}
	defer scheduler.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for prober.pings.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if prober.pings.Load() == 0 {
		t.Error("Expected the probe job to run right after start")
	}
}

func TestOptionsDefaults(t *testing.T) {
	o := Options{ProbeInterval: time.Minute}.withDefaults()

	if o.TerminologyRefresh != 24*time.Hour {
		t.Errorf("Expected default refresh 24h, got %s", o.TerminologyRefresh)
	}
	if o.ProbeInterval != time.Minute {
		t.Errorf("Explicit probe interval should be kept, got %s", o.ProbeInterval)
	}
	if o.LoadTimeout <= 0 || o.ProbeTimeout <= 0 {
		t.Error("Timeouts should default to positive values")
	}
}
