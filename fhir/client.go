package fhir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
	"github.com/goccy/go-json"
)

const (
	mimeFHIRJSON = "application/fhir+json"

	// maxResponseSize bounds how much of a search response is read
	maxResponseSize = 16 * 1024 * 1024
)

var _ PatientSearcher = (*Client)(nil)

// Client searches a live FHIR R4 server over HTTP
type Client struct {
	baseURL    string
	pageSize   int
	httpClient *http.Client
}

// NewClient creates a client for baseURL; pageSize 0 leaves _count to the server
func NewClient(baseURL string, timeout time.Duration, pageSize int) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pageSize: pageSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) Mode() string {
	return ModeLive
}

// SearchPatients runs GET [base]/Patient with params. When the server answers
// 400 to a search that filters on Condition, it retries without those
// parameters and marks the bundle with ConditionFallbackNote.
func (c *Client) SearchPatients(ctx context.Context, params []SearchParam) (*Bundle, error) {
	start := time.Now()

	bundle, err := c.search(ctx, params)
	if err != nil && StatusCode(err) == http.StatusBadRequest && hasConditionParam(params) {
		logging.Warn("FHIR server rejected condition search, falling back to demographics only",
			"base", c.baseURL, "error", err)
		metrics.ConditionFallbackTotal.Inc()

		bundle, err = c.search(ctx, withoutConditionParams(params))
		if err == nil {
			if bundle.Meta == nil {
				bundle.Meta = &Meta{}
			}
			bundle.Meta.Note = ConditionFallbackNote
		}
	}

	metrics.ObserveUpstream(ModeLive, outcomeLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	return bundle, nil
}

// Ping fetches the CapabilityStatement
func (c *Client) Ping(ctx context.Context) error {
	body, err := c.get(ctx, c.baseURL+"/metadata")
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return fmt.Errorf("%w: empty capability statement", ErrInvalidResponse)
	}
	return nil
}

func (c *Client) search(ctx context.Context, params []SearchParam) (*Bundle, error) {
	body, err := c.get(ctx, c.searchURL(params))
	if err != nil {
		return nil, err
	}
	return DecodeBundle(body)
}

func (c *Client) searchURL(params []SearchParam) string {
	values := url.Values{}
	hasCount := false
	for _, p := range params {
		values.Add(p.Name, p.Value)
		if p.Name == "_count" {
			hasCount = true
		}
	}
	if !hasCount && c.pageSize > 0 {
		values.Set("_count", strconv.Itoa(c.pageSize))
	}

	u := c.baseURL + "/Patient"
	if encoded := values.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", mimeFHIRJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn("Failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{
			StatusCode:  resp.StatusCode,
			URL:         target,
			Diagnostics: diagnostics(body),
		}
	}
	return body, nil
}

// DecodeBundle parses a searchset body, dropping entries that are not Patients.
// Patients keep only id, name, gender and birthDate; every other field is discarded.
func DecodeBundle(body []byte) (*Bundle, error) {
	var bundle Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if bundle.ResourceType != "Bundle" {
		return nil, fmt.Errorf("%w: expected Bundle, got %q", ErrInvalidResponse, bundle.ResourceType)
	}

	entries := bundle.Entry[:0]
	for _, e := range bundle.Entry {
		if e.Resource.ResourceType == "Patient" {
			entries = append(entries, e)
		}
	}
	bundle.Entry = entries
	return &bundle, nil
}

// diagnostics pulls the first issue text out of an OperationOutcome body
func diagnostics(body []byte) string {
	var outcome OperationOutcome
	if err := json.Unmarshal(body, &outcome); err != nil || outcome.ResourceType != "OperationOutcome" {
		return ""
	}
	for _, issue := range outcome.Issue {
		if issue.Diagnostics != "" {
			return issue.Diagnostics
		}
	}
	return ""
}

func hasConditionParam(params []SearchParam) bool {
	for _, p := range params {
		if IsConditionParam(p.Name) {
			return true
		}
	}
	return false
}

func withoutConditionParams(params []SearchParam) []SearchParam {
	out := make([]SearchParam, 0, len(params))
	for _, p := range params {
		if !IsConditionParam(p.Name) {
			out = append(out, p)
		}
	}
	return out
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsTimeout(err):
		return "timeout"
	case errors.Is(err, ErrUpstreamStatus):
		return "status"
	default:
		return "error"
	}
}
