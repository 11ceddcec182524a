// Package querymapper turns a free-text clinical query into a FHIR Patient
// search: it detects gender, a coded condition and an age constraint, then
// builds the matching search parameters.
package querymapper

import (
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/fhir"
	"github.com/ai-on-fhir/fhirquery/terminology"
)

// Condition is a detected condition with its ICD-10 coding
type Condition struct {
	Text    string `json:"text"`
	ICD10   string `json:"icd10"`
	Display string `json:"display"`
	System  string `json:"system"`
}

// Detected holds what the mapper recognised; absent parts are omitted
type Detected struct {
	Age       *AgeConstraint `json:"age,omitempty"`
	Gender    string         `json:"gender,omitempty"`
	Condition *Condition     `json:"condition,omitempty"`
}

// Mapping is the FHIR search derived from a query
type Mapping struct {
	Resource     string             `json:"resource"`
	SearchParams []fhir.SearchParam `json:"searchParams"`
	SimulatedURL string             `json:"simulatedURL"`
	Detected     Detected           `json:"detected"`
}

// IndexSource supplies the current terminology; it may change between calls
type IndexSource interface {
	GetTerminology() *terminology.Index
}

var genderWords = map[string]string{
	"female": "female", "females": "female", "woman": "female", "women": "female",
	"girl": "female", "girls": "female",
	"male": "male", "males": "male", "man": "male", "men": "male",
	"boy": "male", "boys": "male",
}

// Mapper maps queries using the terminology of its IndexSource
type Mapper struct {
	source IndexSource
}

func New(source IndexSource) *Mapper {
	return &Mapper{source: source}
}

// Map detects the query's constraints and builds the search as of now
func (m *Mapper) Map(query string, now time.Time) Mapping {
	tokens := terminology.Tokenize(query)

	var detected Detected

	for _, tok := range tokens {
		if g, ok := genderWords[tok]; ok {
			detected.Gender = g
			break
		}
	}

	inCondition := func(int) bool { return false }
	if match, ok := m.source.GetTerminology().MatchTokens(tokens); ok {
		detected.Condition = &Condition{
			Text:    match.Text,
			ICD10:   match.Entry.Code,
			Display: match.Entry.Display,
			System:  match.Entry.System,
		}
		// digits inside a phrase such as "type 2 diabetes" are not ages
		inCondition = func(i int) bool { return i >= match.Start && i < match.Start+match.Words }
	}

	detected.Age = extractAge(tokens, inCondition)

	params := BuildSearchParams(detected, now)
	return Mapping{
		Resource:     "Patient",
		SearchParams: params,
		SimulatedURL: SimulatedURL(params),
		Detected:     detected,
	}
}

// BuildSearchParams orders parameters as age, gender, condition
func BuildSearchParams(d Detected, now time.Time) []fhir.SearchParam {
	params := make([]fhir.SearchParam, 0, 4)

	if d.Age != nil {
		params = append(params, birthdateParams(*d.Age, now)...)
	}
	if d.Gender != "" {
		params = append(params, fhir.SearchParam{Name: "gender", Value: d.Gender})
	}
	if d.Condition != nil && d.Condition.ICD10 != "" {
		params = append(params, fhir.SearchParam{Name: fhir.ConditionParam, Value: d.Condition.ICD10})
	}
	return params
}

// birthdateParams converts an age constraint into birthdate bounds relative to now
func birthdateParams(age AgeConstraint, now time.Time) []fhir.SearchParam {
	// Feb 29 in a non-leap target year is Feb 28, not Mar 1
	yearsAgo := func(y int) string {
		d := time.Date(now.Year()-y, now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		if d.Month() != now.Month() {
			d = d.AddDate(0, 0, -d.Day())
		}
		return d.Format(fhir.DateLayout)
	}
	param := func(prefix, date string) fhir.SearchParam {
		return fhir.SearchParam{Name: "birthdate", Value: prefix + date}
	}

	switch age.Op {
	case OpGT:
		return []fhir.SearchParam{param("lt", yearsAgo(age.Value))}
	case OpGE:
		return []fhir.SearchParam{param("le", yearsAgo(age.Value))}
	case OpLT:
		return []fhir.SearchParam{param("gt", yearsAgo(age.Value))}
	case OpLE:
		return []fhir.SearchParam{param("gt", yearsAgo(age.Value+1))}
	default:
		return []fhir.SearchParam{
			param("gt", yearsAgo(age.Value+1)),
			param("le", yearsAgo(age.Value)),
		}
	}
}

// SimulatedURL renders the search for display, unescaped
func SimulatedURL(params []fhir.SearchParam) string {
	if len(params) == 0 {
		return "/Patient"
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p.Name+"="+p.Value)
	}
	return "/Patient?" + strings.Join(parts, "&")
}
