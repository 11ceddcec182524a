// Package dashboard derives the presentation summary of a search: ages,
// display names, gender counts, an age histogram and a truncated patient table.
package dashboard

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/ai-on-fhir/fhirquery/querymapper"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// DefaultRowLimit is how many patients the table shows
	DefaultRowLimit = 10

	Unknown = "Unknown"
	Any     = "Any"
)

// BucketRanges are the histogram ranges in display order
var BucketRanges = []string{"0-19", "20-39", "40-59", "60-79", "80+"}

var titleCase = cases.Title(language.English)

type Bucket struct {
	Range string `json:"range"`
	Count int    `json:"count"`
}

// Histogram counts each entry in exactly one bucket, or in Unknown when no age can be computed
type Histogram struct {
	Buckets []Bucket `json:"buckets"`
	Unknown int      `json:"unknown"`
}

type GenderStats struct {
	Male   int `json:"male"`
	Female int `json:"female"`
	Other  int `json:"other"`
	Total  int `json:"total"`
}

// QueryAnalysis describes the detected constraints in words
type QueryAnalysis struct {
	Gender        string `json:"gender"`
	Condition     string `json:"condition"`
	ConditionCode string `json:"conditionCode,omitempty"`
	AgeConstraint string `json:"ageConstraint"`
}

type Row struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Gender    string `json:"gender"`
	BirthDate string `json:"birthDate"`
	Age       string `json:"age"`
}

type View struct {
	Analysis   QueryAnalysis `json:"analysis"`
	Stats      GenderStats   `json:"stats"`
	Histogram  Histogram     `json:"histogram"`
	Rows       []Row         `json:"rows"`
	Total      int           `json:"total"`
	Truncated  bool          `json:"truncated"`
	DataSource string        `json:"dataSource"`
	Note       string        `json:"note,omitempty"`
}

// CalculateAge returns completed years between birthDate and now. Partial
// dates count from their first day; dates in the future give 0.
func CalculateAge(birthDate string, now time.Time) (int, error) {
	born, _, err := fhir.ParseDate(birthDate)
	if err != nil {
		return 0, err
	}

	age := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		age--
	}
	if age < 0 {
		return 0, nil
	}
	return age, nil
}

// FormatPatientName renders the first name entry as "Given Given Family",
// falling back to its text and then to "Unknown"
func FormatPatientName(names []fhir.HumanName) string {
	if len(names) == 0 {
		return Unknown
	}
	n := names[0]

	parts := make([]string, 0, len(n.Given)+1)
	for _, g := range n.Given {
		if g = strings.TrimSpace(g); g != "" {
			parts = append(parts, g)
		}
	}
	if f := strings.TrimSpace(n.Family); f != "" {
		parts = append(parts, f)
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if t := strings.TrimSpace(n.Text); t != "" {
		return t
	}
	return Unknown
}

// BucketFor returns the histogram range of an age
func BucketFor(age int) string {
	switch {
	case age < 20:
		return "0-19"
	case age < 40:
		return "20-39"
	case age < 60:
		return "40-59"
	case age < 80:
		return "60-79"
	default:
		return "80+"
	}
}

// AgeHistogram buckets every patient of the bundle by age as of now
func AgeHistogram(patients []fhir.Patient, now time.Time) Histogram {
	counts := make(map[string]int, len(BucketRanges))
	h := Histogram{Buckets: make([]Bucket, 0, len(BucketRanges))}

	for _, p := range patients {
		age, err := CalculateAge(p.BirthDate, now)
		if err != nil {
			h.Unknown++
			continue
		}
		counts[BucketFor(age)]++
	}

	for _, r := range BucketRanges {
		h.Buckets = append(h.Buckets, Bucket{Range: r, Count: counts[r]})
	}
	return h
}

// CountGenders tallies administrative gender; anything but male or female is other
func CountGenders(patients []fhir.Patient) GenderStats {
	var s GenderStats
	for _, p := range patients {
		switch strings.ToLower(p.Gender) {
		case "male":
			s.Male++
		case "female":
			s.Female++
		default:
			s.Other++
		}
	}
	s.Total = len(patients)
	return s
}

// DescribeAgeConstraint renders "Over 50", "At most 40" or "Any"
func DescribeAgeConstraint(age *querymapper.AgeConstraint) string {
	if age == nil {
		return Any
	}
	var label string
	switch age.Op {
	case querymapper.OpGT:
		label = "Over"
	case querymapper.OpLT:
		label = "Under"
	case querymapper.OpGE:
		label = "At least"
	case querymapper.OpLE:
		label = "At most"
	default:
		label = "Exactly"
	}
	return fmt.Sprintf("%s %d", label, age.Value)
}

// DataSourceLabel names the backend a result came from
func DataSourceLabel(mode string) string {
	if mode == fhir.ModeSim {
		return "Simulated FHIR"
	}
	return "Live FHIR"
}

// Analyze describes a detected mapping
func Analyze(d querymapper.Detected) QueryAnalysis {
	a := QueryAnalysis{
		Gender:        Any,
		Condition:     Any,
		AgeConstraint: DescribeAgeConstraint(d.Age),
	}
	if d.Gender != "" {
		a.Gender = titleCase.String(d.Gender)
	}
	if d.Condition != nil {
		a.Condition = d.Condition.Display
		if a.Condition == "" {
			a.Condition = d.Condition.Text
		}
		a.ConditionCode = d.Condition.ICD10
	}
	return a
}

// BuildView assembles the dashboard for one search; limit <= 0 uses DefaultRowLimit
func BuildView(mapping querymapper.Mapping, bundle *fhir.Bundle, mode string, now time.Time, limit int) View {
	if limit <= 0 {
		limit = DefaultRowLimit
	}
	patients := bundle.Patients()

	view := View{
		Analysis:   Analyze(mapping.Detected),
		Stats:      CountGenders(patients),
		Histogram:  AgeHistogram(patients, now),
		Rows:       make([]Row, 0, min(limit, len(patients))),
		Total:      bundle.Count(),
		Truncated:  len(patients) > limit,
		DataSource: DataSourceLabel(mode),
	}
	if bundle != nil && bundle.Meta != nil {
		view.Note = bundle.Meta.Note
	}

	for i, p := range patients {
		if i >= limit {
			break
		}
		view.Rows = append(view.Rows, buildRow(p, now))
	}
	return view
}

func buildRow(p fhir.Patient, now time.Time) Row {
	row := Row{
		ID:        p.ID,
		Name:      FormatPatientName(p.Name),
		Gender:    Unknown,
		BirthDate: Unknown,
		Age:       Unknown,
	}
	if p.Gender != "" {
		row.Gender = titleCase.String(p.Gender)
	}
	if p.BirthDate != "" {
		row.BirthDate = p.BirthDate
		if age, err := CalculateAge(p.BirthDate, now); err == nil {
			row.Age = strconv.Itoa(age)
		}
	}
	return row
}
