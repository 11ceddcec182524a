// Package validation checks user queries, request bodies and the condition
// terminology before they reach the mapper.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ai-on-fhir/fhirquery/interfaces"
	"github.com/ai-on-fhir/fhirquery/terminology"
	"github.com/go-playground/validator/v10"
)

// MaxQueryLength is the longest accepted query, in characters
const MaxQueryLength = 500

var (
	// ICD-10 category with an optional subcategory: E11, E11.9, C80.1
	icd10Regex = regexp.MustCompile(`^[A-Z][0-9][0-9A-Z](\.[0-9A-Z]{1,4})?$`)

	// Markup that would execute if a client rendered the echoed query as HTML.
	// The query only ever reaches FHIR as encoded search parameters, so SQL and
	// shell syntax is ordinary text here ("40--60", "patients' or children").
	markupPatterns = []string{
		"<script", "</script>", "javascript:", "vbscript:",
		"onload=", "onerror=", "onclick=", "onmouseover=", "onfocus=",
	}
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("notblank", validateNotBlank)
	_ = validate.RegisterValidation("icd10", validateICD10)
}

func validateNotBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

func validateICD10(fl validator.FieldLevel) bool {
	return icd10Regex.MatchString(fl.Field().String())
}

// Compile-time check to ensure DataValidatorImpl implements DataValidator
var _ interfaces.DataValidator = (*DataValidatorImpl)(nil)

// DataValidatorImpl implements the interfaces.DataValidator interface
type DataValidatorImpl struct{}

// NewDataValidator creates a new data validator
func NewDataValidator() *DataValidatorImpl {
	return &DataValidatorImpl{}
}

// ValidateStruct applies validate tags, including notblank and icd10
func (v *DataValidatorImpl) ValidateStruct(s any) error {
	return validate.Struct(s)
}

// IsICD10 reports whether code has the shape of an ICD-10 code
func IsICD10(code string) bool {
	return validate.Var(code, "icd10") == nil
}

// FormatValidationErrors renders validator errors as "field message, field message"
func FormatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required", "notblank":
			msgs = append(msgs, field+" is required")
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

// ValidateQuery validates a free-text search query
func (v *DataValidatorImpl) ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("query cannot be empty")
	}

	if !utf8.ValidString(query) {
		return fmt.Errorf("query is not valid UTF-8")
	}

	if n := utf8.RuneCountInString(query); n > MaxQueryLength {
		return fmt.Errorf("query too long: maximum %d characters, got %d", MaxQueryLength, n)
	}

	for _, r := range query {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("query contains control characters")
		}
	}

	lowerQuery := strings.ToLower(query)
	for _, pattern := range markupPatterns {
		if strings.Contains(lowerQuery, pattern) {
			return fmt.Errorf("query contains script markup")
		}
	}

	if hasExcessiveRepetition(query) {
		return fmt.Errorf("query contains excessive character repetition")
	}

	return nil
}

// ValidateTerminology rejects a map with no entry that can be indexed
func (v *DataValidatorImpl) ValidateTerminology(m terminology.Map) error {
	if len(m) == 0 {
		return terminology.ErrEmptyTerminology
	}
	for _, entry := range m {
		if strings.TrimSpace(entry.Code) != "" {
			return nil
		}
	}
	return fmt.Errorf("none of the %d terminology entries has a code: %w", len(m), terminology.ErrEmptyTerminology)
}

// ReportTerminologyQuality lists every non-fatal problem in the map.
// Keys are visited in sorted order so reports are stable.
func (v *DataValidatorImpl) ReportTerminologyQuality(m terminology.Map) *interfaces.TerminologyQualityReport {
	report := &interfaces.TerminologyQualityReport{
		DuplicateSynonyms: []string{},
		DuplicateCodes:    []string{},
		EmptyCodes:        []string{},
		EmptyDisplays:     []string{},
		MalformedCodes:    []string{},
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	phraseOwner := make(map[string]string)
	reportedPhrase := make(map[string]bool)
	codeOwner := make(map[string]string)
	reportedCode := make(map[string]bool)

	for _, key := range keys {
		entry := m[key]
		code := strings.TrimSpace(entry.Code)

		// Check 1: entries without a code are dropped by the index
		if code == "" {
			report.EmptyCodes = append(report.EmptyCodes, key)
		} else {
			// Check 2: code shape
			if !IsICD10(code) {
				report.MalformedCodes = append(report.MalformedCodes, code)
			}

			// Check 3: codes claimed by more than one entry
			if owner, ok := codeOwner[code]; ok && owner != key {
				if !reportedCode[code] {
					report.DuplicateCodes = append(report.DuplicateCodes, code)
					reportedCode[code] = true
				}
			} else {
				codeOwner[code] = key
			}
		}

		// Check 4: missing display text
		if strings.TrimSpace(entry.Display) == "" {
			report.EmptyDisplays = append(report.EmptyDisplays, key)
		}

		// Check 5: entries only reachable by their key
		if len(entry.Synonyms) == 0 {
			report.EntriesWithoutSynonyms++
		}

		// Check 6: phrases that resolve to more than one entry
		seen := make(map[string]bool)
		for _, syn := range append([]string{key}, entry.Synonyms...) {
			phrase := strings.Join(terminology.Tokenize(syn), " ")
			if phrase == "" || seen[phrase] {
				continue
			}
			seen[phrase] = true

			if owner, ok := phraseOwner[phrase]; ok && owner != key {
				if !reportedPhrase[phrase] {
					report.DuplicateSynonyms = append(report.DuplicateSynonyms, phrase)
					reportedPhrase[phrase] = true
				}
				continue
			}
			phraseOwner[phrase] = key
		}
	}

	return report
}

// hasExcessiveRepetition checks for the same character repeated more than 10 times consecutively
func hasExcessiveRepetition(input string) bool {
	var prev rune
	run := 0
	for _, r := range input {
		if r == prev {
			run++
			if run > 10 {
				return true
			}
			continue
		}
		prev = r
		run = 1
	}
	return false
}
