package fhir

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

//go:embed patients.json
var simulatedPatients []byte

var _ PatientSearcher = (*Simulator)(nil)

// SimulatedPatient is a dataset row: a Patient plus the ICD-10 codes of its Conditions
type SimulatedPatient struct {
	ID         string   `json:"id"`
	Given      []string `json:"given"`
	Family     string   `json:"family"`
	Gender     string   `json:"gender"`
	BirthDate  string   `json:"birthDate"`
	Conditions []string `json:"conditions"`
}

// Simulator answers Patient searches from an in-memory dataset
type Simulator struct {
	patients []SimulatedPatient
	baseURL  string
	now      func() time.Time
}

// NewSimulator loads the embedded dataset
func NewSimulator() (*Simulator, error) {
	var patients []SimulatedPatient
	if err := json.Unmarshal(simulatedPatients, &patients); err != nil {
		return nil, fmt.Errorf("failed to decode simulated patients: %w", err)
	}
	return NewSimulatorWithPatients(patients), nil
}

// NewSimulatorWithPatients builds a simulator over the given rows
func NewSimulatorWithPatients(patients []SimulatedPatient) *Simulator {
	return &Simulator{
		patients: patients,
		baseURL:  "urn:fhirquery:sim",
		now:      time.Now,
	}
}

func (s *Simulator) Mode() string {
	return ModeSim
}

func (s *Simulator) Ping(ctx context.Context) error {
	return ctx.Err()
}

// SearchPatients evaluates gender, birthdate, condition and _count parameters.
// Parameters it does not know are ignored, as lenient FHIR servers do.
func (s *Simulator) SearchPatients(ctx context.Context, params []SearchParam) (*Bundle, error) {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		metrics.ObserveUpstream(ModeSim, outcomeLabel(err), time.Since(start))
		return nil, err
	}

	filters, limit, err := s.compile(params)
	if err != nil {
		metrics.ObserveUpstream(ModeSim, "status", time.Since(start))
		return nil, err
	}

	entries := make([]BundleEntry, 0)
	matched := 0
	for _, p := range s.patients {
		if !matchesAll(p, filters) {
			continue
		}
		matched++
		if limit > 0 && len(entries) >= limit {
			continue
		}
		entries = append(entries, BundleEntry{
			FullURL:  s.baseURL + "/Patient/" + p.ID,
			Resource: p.resource(),
		})
	}

	total := matched
	bundle := &Bundle{
		ResourceType: "Bundle",
		ID:           uuid.NewString(),
		Type:         "searchset",
		Total:        &total,
		Meta:         &Meta{LastUpdated: s.now().UTC().Format(time.RFC3339)},
		Link:         []BundleLink{{Relation: "self", URL: s.baseURL + "/Patient" + queryString(params)}},
		Entry:        entries,
	}

	metrics.ObserveUpstream(ModeSim, "ok", time.Since(start))
	return bundle, nil
}

type patientFilter func(SimulatedPatient) bool

func (s *Simulator) compile(params []SearchParam) ([]patientFilter, int, error) {
	var filters []patientFilter
	limit := 0

	for _, p := range params {
		switch {
		case p.Name == "gender":
			want := strings.ToLower(p.Value)
			filters = append(filters, func(sp SimulatedPatient) bool {
				return strings.EqualFold(sp.Gender, want)
			})

		case p.Name == "birthdate":
			f, err := birthdateFilter(p.Value)
			if err != nil {
				return nil, 0, &UpstreamError{StatusCode: 400, URL: "Patient?birthdate=" + p.Value, Diagnostics: err.Error()}
			}
			filters = append(filters, f)

		case IsConditionParam(p.Name):
			codes := strings.Split(p.Value, ",")
			filters = append(filters, func(sp SimulatedPatient) bool {
				return hasAnyCode(sp.Conditions, codes)
			})

		case p.Name == "_count":
			n, err := strconv.Atoi(p.Value)
			if err != nil || n < 0 {
				return nil, 0, &UpstreamError{StatusCode: 400, URL: "Patient?_count=" + p.Value, Diagnostics: "invalid _count"}
			}
			limit = n

		default:
			logging.Debug("Simulator ignoring unsupported search parameter", "name", p.Name)
		}
	}
	return filters, limit, nil
}

func birthdateFilter(value string) (patientFilter, error) {
	prefix, raw := splitPrefix(value)
	pStart, pEnd, err := ParseDate(raw)
	if err != nil {
		return nil, err
	}

	return func(sp SimulatedPatient) bool {
		start, end, err := ParseDate(sp.BirthDate)
		if err != nil {
			return false
		}
		switch prefix {
		case "lt", "eb":
			return start.Before(pStart)
		case "le":
			return !start.After(pEnd)
		case "gt", "sa":
			return end.After(pEnd)
		case "ge":
			return !end.Before(pStart)
		case "ne":
			return end.Before(pStart) || start.After(pEnd)
		default:
			return !end.Before(pStart) && !start.After(pEnd)
		}
	}, nil
}

// hasAnyCode matches E11 against E11 and E11.9 but not E110
func hasAnyCode(have, want []string) bool {
	for _, w := range want {
		w = strings.TrimSpace(w)
		if i := strings.LastIndexByte(w, '|'); i >= 0 {
			w = w[i+1:]
		}
		if w == "" {
			continue
		}
		for _, h := range have {
			if strings.EqualFold(h, w) || strings.HasPrefix(strings.ToUpper(h), strings.ToUpper(w)+".") {
				return true
			}
		}
	}
	return false
}

func matchesAll(p SimulatedPatient, filters []patientFilter) bool {
	for _, f := range filters {
		if !f(p) {
			return false
		}
	}
	return true
}

func (sp SimulatedPatient) resource() Patient {
	patient := Patient{
		ResourceType: "Patient",
		ID:           sp.ID,
		Gender:       sp.Gender,
		BirthDate:    sp.BirthDate,
	}
	if len(sp.Given) > 0 || sp.Family != "" {
		patient.Name = []HumanName{{Use: "official", Given: sp.Given, Family: sp.Family}}
	}
	return patient
}

func queryString(params []SearchParam) string {
	if len(params) == 0 {
		return ""
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return "?" + strings.Join(parts, "&")
}
