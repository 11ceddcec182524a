package querymapper

import (
	"strconv"
	"strings"
)

// Age comparison operators, named after FHIR search prefixes
const (
	OpGT = "gt"
	OpGE = "ge"
	OpLT = "lt"
	OpLE = "le"
	OpEQ = "eq"
)

// MaxAge is the largest number read as an age
const MaxAge = 130

// AgeConstraint is a comparison against the patient's age in years
type AgeConstraint struct {
	Op    string `json:"op"`
	Value int    `json:"value"`
}

// fillers may sit between an operator word and the number: "over the age of 50"
var fillers = map[string]bool{
	"the": true, "age": true, "aged": true, "ages": true, "of": true,
	"an": true, "a": true, "is": true, "are": true, "be": true,
}

var ageKeywords = map[string]AgeConstraint{
	"elderly":    {Op: OpGE, Value: 65},
	"senior":     {Op: OpGE, Value: 65},
	"seniors":    {Op: OpGE, Value: 65},
	"child":      {Op: OpLT, Value: 18},
	"children":   {Op: OpLT, Value: 18},
	"pediatric":  {Op: OpLT, Value: 18},
	"paediatric": {Op: OpLT, Value: 18},
	"kids":       {Op: OpLT, Value: 18},
	"adult":      {Op: OpGE, Value: 18},
	"adults":     {Op: OpGE, Value: 18},
}

// extractAge finds the first number up to MaxAge outside the skipped token
// range and reads its operator from the surrounding words. Without a number,
// age keywords such as "elderly" apply.
func extractAge(tokens []string, skip func(i int) bool) *AgeConstraint {
	for i, tok := range tokens {
		if skip(i) {
			continue
		}
		value, plus, ok := parseAgeToken(tok)
		if !ok {
			continue
		}
		op := OpGE
		if !plus {
			op = operatorBefore(tokens, i)
			if op == OpEQ {
				op = operatorAfter(tokens, i)
			}
		}
		return &AgeConstraint{Op: op, Value: value}
	}

	for i, tok := range tokens {
		if skip(i) {
			continue
		}
		if c, ok := ageKeywords[tok]; ok {
			return &c
		}
	}
	return nil
}

// parseAgeToken accepts "50" and "50+"
func parseAgeToken(tok string) (value int, plus bool, ok bool) {
	digits := strings.TrimSuffix(tok, "+")
	plus = digits != tok
	if len(digits) == 0 || len(digits) > 3 {
		return 0, false, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false, false
		}
	}
	value, err := strconv.Atoi(digits)
	if err != nil || value > MaxAge {
		return 0, false, false
	}
	return value, plus, true
}

// operatorBefore reads "over 50", "older than 50", "at least 50", "no older than 50"
func operatorBefore(tokens []string, i int) string {
	j := i - 1
	for j >= 0 && fillers[tokens[j]] {
		j--
	}
	if j < 0 {
		return OpEQ
	}

	word := func(k int) string {
		if k < 0 {
			return ""
		}
		return tokens[k]
	}

	switch tokens[j] {
	case "over", "above":
		return OpGT
	case "under", "below":
		return OpLT
	case "minimum", "min":
		return OpGE
	case "maximum", "max":
		return OpLE
	case "least":
		if word(j-1) == "at" {
			return OpGE
		}
	case "most":
		if word(j-1) == "at" {
			return OpLE
		}
	case "than":
		cmp, negated := word(j-1), word(j-2) == "no"
		switch cmp {
		case "older", "greater", "more", "bigger":
			if negated {
				return OpLE
			}
			return OpGT
		case "younger", "less", "fewer", "smaller":
			if negated {
				return OpGE
			}
			return OpLT
		}
	}
	return OpEQ
}

// operatorAfter reads "50 or older", "50 years and under"
func operatorAfter(tokens []string, i int) string {
	j := i + 1
	for j < len(tokens) && (tokens[j] == "years" || tokens[j] == "year" || tokens[j] == "yrs" || tokens[j] == "old") {
		j++
	}
	if j+1 >= len(tokens) || (tokens[j] != "or" && tokens[j] != "and") {
		return OpEQ
	}
	switch tokens[j+1] {
	case "older", "over", "above", "more":
		return OpGE
	case "younger", "under", "below", "less":
		return OpLE
	}
	return OpEQ
}
