package fhir

import (
	"context"
	"net/url"

	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/ai-on-fhir/fhirquery/metrics"
)

// BundleCache stores search results by canonical query string
type BundleCache interface {
	Get(ctx context.Context, key string) (*Bundle, bool, error)
	Set(ctx context.Context, key string, bundle *Bundle) error
}

var _ PatientSearcher = (*CachingSearcher)(nil)

// CachingSearcher serves repeated searches from a BundleCache. Cache failures
// are logged and treated as misses; they never fail a search.
type CachingSearcher struct {
	inner PatientSearcher
	cache BundleCache
}

func NewCachingSearcher(inner PatientSearcher, cache BundleCache) *CachingSearcher {
	return &CachingSearcher{inner: inner, cache: cache}
}

func (c *CachingSearcher) Mode() string {
	return c.inner.Mode()
}

func (c *CachingSearcher) Ping(ctx context.Context) error {
	return c.inner.Ping(ctx)
}

func (c *CachingSearcher) SearchPatients(ctx context.Context, params []SearchParam) (*Bundle, error) {
	key := CacheKey(c.inner.Mode(), params)

	bundle, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		logging.Warn("Search cache read failed", "key", key, "error", err)
	case ok:
		metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
		return bundle, nil
	default:
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
	}

	bundle, err = c.inner.SearchPatients(ctx, params)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, key, bundle); err != nil {
		logging.Warn("Search cache write failed", "key", key, "error", err)
	}
	return bundle, nil
}

// CacheKey is mode plus the sorted, encoded parameters, so equal searches share an entry
func CacheKey(mode string, params []SearchParam) string {
	values := url.Values{}
	for _, p := range params {
		values.Add(p.Name, p.Value)
	}
	return mode + ":" + values.Encode()
}
