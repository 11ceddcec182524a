package data

import (
	"sync"
	"testing"
	"time"

	"github.com/ai-on-fhir/fhirquery/interfaces"
	"github.com/ai-on-fhir/fhirquery/terminology"
)

func testIndex(t testing.TB, keys ...string) *terminology.Index {
	t.Helper()
	m := terminology.Map{}
	for i, k := range keys {
		m[k] = terminology.Entry{Code: "X" + string(rune('0'+i)), Display: k}
	}
	idx, err := terminology.BuildIndex(m)
	if err != nil {
		t.Fatalf("BuildIndex failed: %v", err)
	}
	return idx
}

func TestNewDataContainer(t *testing.T) {
	dc := NewDataContainer()

	if dc == nil {
		t.Fatal("NewDataContainer returned nil")
	}

	if dc.IsUpdating() {
		t.Error("NewDataContainer should not be updating")
	}

	if !dc.GetLastUpdated().IsZero() {
		t.Error("NewDataContainer should have zero lastUpdated time")
	}

	if dc.GetTerminology() != nil {
		t.Error("NewDataContainer should have no terminology")
	}

	if dc.GetTerminology().Len() != 0 {
		t.Error("nil terminology should report zero entries")
	}

	if dc.GetUpstreamStatus().OK {
		t.Error("NewDataContainer should not report a healthy upstream before any probe")
	}
}

func TestUpdateTerminology(t *testing.T) {
	dc := NewDataContainer()
	idx := testIndex(t, "asthma", "copd")
	report := &interfaces.TerminologyQualityReport{EntriesWithoutSynonyms: 2}

	before := time.Now()
	dc.UpdateTerminology(idx, terminology.SourceFile, report)

	if dc.GetTerminology() != idx {
		t.Error("GetTerminology should return the stored index")
	}
	if dc.GetTerminology().Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", dc.GetTerminology().Len())
	}
	if dc.GetTerminologySource() != terminology.SourceFile {
		t.Errorf("Expected source %q, got %q", terminology.SourceFile, dc.GetTerminologySource())
	}
	if dc.GetQualityReport() != report {
		t.Error("GetQualityReport should return the stored report")
	}
	if dc.GetLastUpdated().Before(before) {
		t.Error("lastUpdated should be set by UpdateTerminology")
	}
}

func TestBeginUpdateEndUpdate(t *testing.T) {
	dc := NewDataContainer()

	if !dc.BeginUpdate() {
		t.Error("First BeginUpdate should succeed")
	}

	if !dc.IsUpdating() {
		t.Error("Container should be updating after BeginUpdate")
	}

	if dc.BeginUpdate() {
		t.Error("Second BeginUpdate should fail while updating")
	}

	dc.EndUpdate()

	if dc.IsUpdating() {
		t.Error("Container should not be updating after EndUpdate")
	}

	if !dc.BeginUpdate() {
		t.Error("BeginUpdate should succeed after EndUpdate")
	}
	dc.EndUpdate()
}

func TestUpstreamStatus(t *testing.T) {
	dc := NewDataContainer()
	checked := time.Now()

	dc.SetUpstreamStatus(interfaces.UpstreamStatus{OK: true, CheckedAt: checked, Latency: 120 * time.Millisecond})

	got := dc.GetUpstreamStatus()
	if !got.OK || !got.CheckedAt.Equal(checked) || got.Latency != 120*time.Millisecond {
		t.Errorf("Unexpected upstream status: %+v", got)
	}

	dc.SetUpstreamStatus(interfaces.UpstreamStatus{OK: false, CheckedAt: checked, Error: "connection refused"})
	if got := dc.GetUpstreamStatus(); got.OK || got.Error != "connection refused" {
		t.Errorf("Upstream status was not replaced: %+v", got)
	}
}

func TestAtomicSwapZeroDowntime(t *testing.T) {
	dc := NewDataContainer()
	small := testIndex(t, "asthma")
	large := testIndex(t, "asthma", "copd", "stroke")
	dc.UpdateTerminology(small, terminology.SourceEmbedded, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan string, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n := dc.GetTerminology().Len()
				if n != 1 && n != 3 {
					select {
					case errs <- "reader observed a partial snapshot":
					default:
					}
					return
				}
			}
		}()
	}

	for i := 0; i < 100; i++ {
		if i%2 == 0 {
			dc.UpdateTerminology(large, terminology.SourceURL, nil)
		} else {
			dc.UpdateTerminology(small, terminology.SourceEmbedded, nil)
		}
	}
	close(stop)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
}

func BenchmarkGetTerminology(b *testing.B) {
	dc := NewDataContainer()
	dc.UpdateTerminology(testIndex(b, "asthma", "copd"), terminology.SourceEmbedded, nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = dc.GetTerminology()
	}
}

func BenchmarkUpdateTerminology(b *testing.B) {
	dc := NewDataContainer()
	idx := testIndex(b, "asthma", "copd")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dc.UpdateTerminology(idx, terminology.SourceEmbedded, nil)
	}
}
