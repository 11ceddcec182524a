// Package fhir talks to FHIR R4 servers: the resource shapes the service
// reads, a live HTTP client, an in-memory simulator and a caching decorator.
package fhir

import (
	"context"
	"strings"
)

const (
	ModeLive = "live"
	ModeSim  = "sim"

	// ConditionParam filters patients by a coded Condition that references them
	ConditionParam = "_has:Condition:patient:code"

	// ConditionFallbackNote is attached to results when the server rejected condition filtering
	ConditionFallbackNote = "Condition filtering not supported by this FHIR server. Results show all patients matching other criteria."
)

// SearchParam is one name/value pair of a FHIR search; names may repeat
type SearchParam struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PatientSearcher runs Patient searches against some FHIR backend
type PatientSearcher interface {
	SearchPatients(ctx context.Context, params []SearchParam) (*Bundle, error)
	Ping(ctx context.Context) error
	Mode() string
}

// Bundle is a FHIR searchset envelope
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type,omitempty"`
	Total        *int          `json:"total,omitempty"`
	Meta         *Meta         `json:"meta,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// Meta carries resource metadata plus the service's fallback note
type Meta struct {
	LastUpdated string `json:"lastUpdated,omitempty"`
	Note        string `json:"note,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string  `json:"fullUrl,omitempty"`
	Resource Patient `json:"resource"`
}

type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id,omitempty"`
	Name         []HumanName `json:"name,omitempty"`
	Gender       string      `json:"gender,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// OperationOutcome is what FHIR servers return alongside error statuses
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// Patients returns the Patient resources of the bundle
func (b *Bundle) Patients() []Patient {
	if b == nil {
		return nil
	}
	patients := make([]Patient, 0, len(b.Entry))
	for _, e := range b.Entry {
		patients = append(patients, e.Resource)
	}
	return patients
}

// Count returns total when the server reported one, else the entry count
func (b *Bundle) Count() int {
	if b == nil {
		return 0
	}
	if b.Total != nil {
		return *b.Total
	}
	return len(b.Entry)
}

// IsConditionParam reports whether a search parameter filters on Condition
func IsConditionParam(name string) bool {
	return strings.Contains(strings.ToLower(name), "condition")
}
