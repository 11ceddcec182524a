// Package data provides thread-safe storage of the service's runtime state.
// The terminology index is held in an atomic snapshot so reloads swap it
// without blocking concurrent queries.
package data

import (
	"sync/atomic"
	"time"

	"github.com/ai-on-fhir/fhirquery/interfaces"
	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
	"github.com/ai-on-fhir/fhirquery/terminology"
)

// Compile-time check to ensure DataContainer implements DataStore
var _ interfaces.DataStore = (*DataContainer)(nil)

// snapshot is replaced as a whole so readers never see an index from one
// load paired with the source or report of another
type snapshot struct {
	index  *terminology.Index
	source terminology.Source
	report *interfaces.TerminologyQualityReport
}

// DataContainer holds all the data with atomic pointers for zero-downtime updates
type DataContainer struct {
	terminology     atomic.Pointer[snapshot]
	upstream        atomic.Pointer[interfaces.UpstreamStatus]
	lastUpdated     atomic.Value // time.Time
	updating        atomic.Bool
	serverStartTime atomic.Value // time.Time
}

// NewDataContainer creates a new DataContainer with no terminology loaded
func NewDataContainer() *DataContainer {
	dc := &DataContainer{}
	dc.terminology.Store(&snapshot{})
	dc.upstream.Store(&interfaces.UpstreamStatus{})
	dc.lastUpdated.Store(time.Time{})
	dc.serverStartTime.Store(time.Time{})
	return dc
}

func (dc *DataContainer) current() *snapshot {
	if s := dc.terminology.Load(); s != nil {
		return s
	}
	return &snapshot{}
}

// GetTerminology returns the current index; nil before the first load
func (dc *DataContainer) GetTerminology() *terminology.Index {
	idx := dc.current().index
	if idx == nil {
		logging.Debug("Terminology requested before first load")
	}
	return idx
}

// GetTerminologySource returns where the current index was loaded from
func (dc *DataContainer) GetTerminologySource() terminology.Source {
	return dc.current().source
}

// GetQualityReport returns the report computed for the current index
func (dc *DataContainer) GetQualityReport() *interfaces.TerminologyQualityReport {
	return dc.current().report
}

// GetLastUpdated returns the timestamp of the last terminology update
func (dc *DataContainer) GetLastUpdated() time.Time {
	if v := dc.lastUpdated.Load(); v != nil {
		if lastUpdated, ok := v.(time.Time); ok {
			return lastUpdated
		}
	}

	logging.Warn("Could not get the last updated value")
	return time.Time{}
}

// IsUpdating returns true if a terminology update is currently in progress
func (dc *DataContainer) IsUpdating() bool {
	return dc.updating.Load()
}

// SetServerStartTime sets the server start time
func (dc *DataContainer) SetServerStartTime(startTime time.Time) {
	dc.serverStartTime.Store(startTime)
}

// GetServerStartTime returns the server start time
func (dc *DataContainer) GetServerStartTime() time.Time {
	if v := dc.serverStartTime.Load(); v != nil {
		if startTime, ok := v.(time.Time); ok {
			return startTime
		}
	}

	logging.Warn("Could not get the server start time value")
	return time.Time{}
}

// GetUpstreamStatus returns the result of the last FHIR probe
func (dc *DataContainer) GetUpstreamStatus() interfaces.UpstreamStatus {
	if s := dc.upstream.Load(); s != nil {
		return *s
	}
	return interfaces.UpstreamStatus{}
}

// SetUpstreamStatus records the result of a FHIR probe
func (dc *DataContainer) SetUpstreamStatus(status interfaces.UpstreamStatus) {
	dc.upstream.Store(&status)
}

// UpdateTerminology atomically replaces the terminology snapshot
func (dc *DataContainer) UpdateTerminology(idx *terminology.Index, source terminology.Source, report *interfaces.TerminologyQualityReport) {
	dc.terminology.Store(&snapshot{index: idx, source: source, report: report})
	dc.lastUpdated.Store(time.Now())
	metrics.TerminologyEntries.Set(float64(idx.Len()))
}

// BeginUpdate marks the start of a terminology update.
// Returns true if update can proceed, false if another update is in progress
func (dc *DataContainer) BeginUpdate() bool {
	return dc.updating.CompareAndSwap(false, true)
}

// EndUpdate marks the end of a terminology update
func (dc *DataContainer) EndUpdate() {
	dc.updating.Store(false)
}
