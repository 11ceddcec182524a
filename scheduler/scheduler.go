// Package scheduler runs the service's background jobs: periodic reloads of
// the condition terminology and probes of the upstream FHIR server.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ai-on-fhir/fhirquery/interfaces"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/terminology"
	"github.com/go-co-op/gocron"
)

// Compile-time check to ensure Scheduler implements Scheduler interface
var _ interfaces.Scheduler = (*Scheduler)(nil)

// Options sets job intervals and per-run timeouts; zero values use defaults
type Options struct {
	TerminologyRefresh time.Duration
	ProbeInterval      time.Duration
	LoadTimeout        time.Duration
	ProbeTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.TerminologyRefresh <= 0 {
		o.TerminologyRefresh = 24 * time.Hour
	}
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = 5 * time.Minute
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = time.Minute
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	return o
}

// Scheduler handles terminology reloads and upstream probes using dependency injection
type Scheduler struct {
	dataStore interfaces.DataStore
	loader    interfaces.TerminologyLoader
	prober    interfaces.UpstreamProber
	validator interfaces.DataValidator
	opts      Options
	scheduler *gocron.Scheduler
}

// NewScheduler creates a new scheduler instance with injected dependencies.
// prober may be nil, in which case no probe job is scheduled.
func NewScheduler(dataStore interfaces.DataStore, loader interfaces.TerminologyLoader,
	prober interfaces.UpstreamProber, validator interfaces.DataValidator, opts Options) *Scheduler {
	return &Scheduler{
		dataStore: dataStore,
		loader:    loader,
		prober:    prober,
		validator: validator,
		opts:      opts.withDefaults(),
		scheduler: gocron.NewScheduler(time.Local),
	}
}

// Start loads the terminology synchronously, then schedules the background jobs
func (s *Scheduler) Start() error {
	// Initial load
	if err := s.updateTerminology(); err != nil {
		logging.Error("Failed to perform initial terminology load", "error", err)
		return fmt.Errorf("initial terminology load failed: %w", err)
	}

	_, err := s.scheduler.Every(s.opts.TerminologyRefresh).WaitForSchedule().SingletonMode().Do(func() {
		if err := s.updateTerminology(); err != nil {
			logging.Error("Failed to update terminology", "error", err)
		}
	})
	if err != nil {
		logging.Error("Failed to schedule terminology updates", "error", err)
		return fmt.Errorf("failed to schedule terminology updates: %w", err)
	}

	if s.prober != nil {
		// runs once immediately, then every interval
		_, err = s.scheduler.Every(s.opts.ProbeInterval).SingletonMode().Do(s.probeUpstream)
		if err != nil {
			logging.Error("Failed to schedule upstream probe", "error", err)
			return fmt.Errorf("failed to schedule upstream probe: %w", err)
		}
	}

	_, err = s.scheduler.Every(time.Hour).WaitForSchedule().Do(s.checkStaleness)
	if err != nil {
		return fmt.Errorf("failed to schedule staleness check: %w", err)
	}

	s.scheduler.StartAsync()

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// updateTerminology loads, validates and indexes the synonym map, then swaps it in
func (s *Scheduler) updateTerminology() error {
	// Prevent concurrent updates
	if !s.dataStore.BeginUpdate() {
		logging.Info("Terminology update already in progress, skipping...")
		return nil
	}
	defer s.dataStore.EndUpdate()

	logging.Info(fmt.Sprintf("Starting terminology update at: %s", time.Now().Format(time.RFC3339)))
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
	defer cancel()

	m, source, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load terminology: %w", err)
	}

	if err := s.validator.ValidateTerminology(m); err != nil {
		return fmt.Errorf("terminology from %s rejected: %w", source, err)
	}

	report := s.validator.ReportTerminologyQuality(m)
	logQualityReport(report)

	idx, err := terminology.BuildIndex(m)
	if err != nil {
		return fmt.Errorf("failed to index terminology: %w", err)
	}

	// Atomic update using injected data store (including report)
	s.dataStore.UpdateTerminology(idx, source, report)

	logging.Info("Terminology update completed",
		"duration", time.Since(start).String(),
		"source", string(source),
		"entries", idx.Len(),
		"synonyms", idx.SynonymCount(),
	)

	return nil
}

func logQualityReport(report *interfaces.TerminologyQualityReport) {
	if report == nil {
		return
	}

	if len(report.DuplicateSynonyms) > 0 {
		logging.Warn("Synonyms claimed by more than one condition",
			"total", len(report.DuplicateSynonyms),
			"synonyms", report.DuplicateSynonyms,
		)
	}

	if len(report.DuplicateCodes) > 0 {
		logging.Warn("Duplicate condition codes detected",
			"total", len(report.DuplicateCodes),
			"codes", report.DuplicateCodes,
		)
	}

	if len(report.EmptyCodes) > 0 {
		logging.Warn("Conditions without a code are ignored",
			"total", len(report.EmptyCodes),
			"keys", report.EmptyCodes,
		)
	}

	if len(report.MalformedCodes) > 0 {
		logging.Warn("Condition codes do not look like ICD-10",
			"total", len(report.MalformedCodes),
			"codes", report.MalformedCodes,
		)
	}

	if len(report.EmptyDisplays) > 0 {
		logging.Debug("Conditions without display text", "keys", report.EmptyDisplays)
	}
}

// probeUpstream pings the FHIR backend and records the outcome
func (s *Scheduler) probeUpstream() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()

	previous := s.dataStore.GetUpstreamStatus()

	start := time.Now()
	err := s.prober.Ping(ctx)
	status := interfaces.UpstreamStatus{
		OK:        err == nil,
		CheckedAt: time.Now(),
		Latency:   time.Since(start),
	}
	if err != nil {
		status.Error = err.Error()
	}
	s.dataStore.SetUpstreamStatus(status)

	switch {
	case err != nil:
		logging.Warn("FHIR server probe failed", "error", err, "latency", status.Latency.String())
	case !previous.CheckedAt.IsZero() && !previous.OK:
		logging.Info("FHIR server reachable again", "latency", status.Latency.String())
	default:
		logging.Debug("FHIR server probe succeeded", "latency", status.Latency.String())
	}
}

// checkStaleness warns when reloads have been failing for two intervals
func (s *Scheduler) checkStaleness() {
	lastUpdate := s.dataStore.GetLastUpdated()
	if time.Since(lastUpdate) > 2*s.opts.TerminologyRefresh {
		logging.Warn("Terminology hasn't been updated in over two refresh intervals",
			"last_update", lastUpdate.Format(time.RFC3339))
	}
}
