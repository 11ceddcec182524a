package fhir

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the FHIR full-date format
const DateLayout = "2006-01-02"

// ParseDate parses a FHIR date (YYYY, YYYY-MM or YYYY-MM-DD) into the first
// and last day it covers. Any time part of a dateTime is ignored.
func ParseDate(value string) (start, end time.Time, err error) {
	value = strings.TrimSpace(value)
	if i := strings.IndexByte(value, 'T'); i >= 0 {
		value = value[:i]
	}

	switch len(value) {
	case 4:
		start, err = time.Parse("2006", value)
		end = start.AddDate(1, 0, -1)
	case 7:
		start, err = time.Parse("2006-01", value)
		end = start.AddDate(0, 1, -1)
	case 10:
		start, err = time.Parse(DateLayout, value)
		end = start
	default:
		err = fmt.Errorf("unsupported date %q", value)
	}
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid FHIR date %q: %w", value, err)
	}
	return start, end, nil
}

// splitPrefix separates a search prefix such as "lt" from its value; eq is implied
func splitPrefix(value string) (prefix, rest string) {
	if len(value) > 2 {
		switch p := value[:2]; p {
		case "eq", "ne", "lt", "le", "gt", "ge", "sa", "eb", "ap":
			return p, value[2:]
		}
	}
	return "eq", value
}
