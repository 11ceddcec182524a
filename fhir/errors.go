package fhir

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrUpstreamUnavailable wraps transport failures reaching the FHIR server
	ErrUpstreamUnavailable = errors.New("fhir server unavailable")
	// ErrUpstreamStatus is the sentinel behind every *UpstreamError
	ErrUpstreamStatus = errors.New("fhir server returned an error status")
	// ErrInvalidResponse marks bodies that are not the expected FHIR resource
	ErrInvalidResponse = errors.New("invalid fhir response")
)

// UpstreamError is a non-2xx answer from the FHIR server
type UpstreamError struct {
	StatusCode  int
	URL         string
	Diagnostics string
}

func (e *UpstreamError) Error() string {
	class := "Server Error"
	if e.StatusCode < http.StatusInternalServerError {
		class = "Client Error"
	}
	msg := fmt.Sprintf("%d %s: %s for url: %s", e.StatusCode, class, http.StatusText(e.StatusCode), e.URL)
	if e.Diagnostics != "" {
		msg += " (" + e.Diagnostics + ")"
	}
	return msg
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamStatus
}

// IsTimeout reports whether err came from a deadline or a network timeout
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// StatusCode extracts the upstream HTTP status, or 0 when err is not an *UpstreamError
func StatusCode(err error) int {
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		return upstream.StatusCode
	}
	return 0
}
