// Package terminology loads the ICD-10 condition synonym map and indexes it
// for phrase lookup over free-text queries.
package terminology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ICD10System is the code system used when an entry does not name one
const ICD10System = "http://hl7.org/fhir/sid/icd-10"

// ErrEmptyTerminology is returned when no usable entry survives indexing
var ErrEmptyTerminology = errors.New("terminology has no usable entries")

// Entry is one condition of the synonym map
type Entry struct {
	Code     string   `json:"code"`
	Display  string   `json:"display"`
	System   string   `json:"system,omitempty"`
	Synonyms []string `json:"synonyms"`
}

// Map is the on-disk shape of the synonym map, keyed by a short name
type Map map[string]Entry

// Match is the result of a successful phrase lookup
type Match struct {
	Key   string
	Text  string // folded phrase as it appeared in the query
	Entry Entry
	// Start and Words locate the phrase in the tokens given to MatchTokens
	Start int
	Words int
}

// Index maps folded synonyms to their entry key
type Index struct {
	entries  Map
	synonyms map[string]string
	maxWords int
}

// Fold lower-cases s and strips combining marks, so "Diabète" and "diabete" compare equal
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

// Tokenize folds s and splits it into words. A '+' is kept so "50+" survives.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Fold(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+'
	})
}

// BuildIndex indexes every synonym of every entry. Entries without a code are
// skipped. When two entries share a synonym the first key in sorted order wins.
func BuildIndex(m Map) (*Index, error) {
	idx := &Index{
		entries:  make(Map, len(m)),
		synonyms: make(map[string]string),
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		entry := m[key]
		entry.Code = strings.TrimSpace(entry.Code)
		if entry.Code == "" {
			continue
		}
		if entry.System == "" {
			entry.System = ICD10System
		}
		idx.entries[key] = entry

		// the key itself is always searchable
		for _, syn := range append([]string{key}, entry.Synonyms...) {
			words := Tokenize(syn)
			if len(words) == 0 {
				continue
			}
			phrase := strings.Join(words, " ")
			if _, taken := idx.synonyms[phrase]; taken {
				continue
			}
			idx.synonyms[phrase] = key
			if len(words) > idx.maxWords {
				idx.maxWords = len(words)
			}
		}
	}

	if len(idx.entries) == 0 {
		return nil, ErrEmptyTerminology
	}
	return idx, nil
}

// MustBuildIndex is BuildIndex for static data
func MustBuildIndex(m Map) *Index {
	idx, err := BuildIndex(m)
	if err != nil {
		panic(fmt.Sprintf("terminology: %v", err))
	}
	return idx
}

// Lookup resolves a single phrase
func (idx *Index) Lookup(phrase string) (Match, bool) {
	if idx == nil {
		return Match{}, false
	}
	folded := strings.Join(Tokenize(phrase), " ")
	key, ok := idx.synonyms[folded]
	if !ok {
		return Match{}, false
	}
	return Match{Key: key, Text: folded, Entry: idx.entries[key], Words: len(strings.Fields(folded))}, true
}

// MatchTokens scans tokens left to right and returns the first synonym found,
// preferring the longest phrase starting at a given position.
func (idx *Index) MatchTokens(tokens []string) (Match, bool) {
	if idx == nil {
		return Match{}, false
	}
	for i := range tokens {
		longest := idx.maxWords
		if rest := len(tokens) - i; rest < longest {
			longest = rest
		}
		for n := longest; n >= 1; n-- {
			phrase := strings.Join(tokens[i:i+n], " ")
			if key, ok := idx.synonyms[phrase]; ok {
				return Match{Key: key, Text: phrase, Entry: idx.entries[key], Start: i, Words: n}, true
			}
		}
	}
	return Match{}, false
}

// Entries returns the indexed entries
func (idx *Index) Entries() Map {
	if idx == nil {
		return Map{}
	}
	return idx.entries
}

// Len returns the number of indexed entries
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.entries)
}

// SynonymCount returns the number of distinct indexed phrases
func (idx *Index) SynonymCount() int {
	if idx == nil {
		return 0
	}
	return len(idx.synonyms)
}
