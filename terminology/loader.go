package terminology

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ai-on-fhir/fhirquery/logging"
	"github.com/goccy/go-json"
	"golang.org/x/text/encoding/charmap"
)

//go:embed icd10_map.json
var defaultMap []byte

// maxDownloadSize bounds the synonym map we accept from TERMINOLOGY_URL
const maxDownloadSize = 8 * 1024 * 1024

// Source names where a loaded map came from
type Source string

const (
	SourceURL      Source = "url"
	SourceFile     Source = "file"
	SourceEmbedded Source = "embedded"
)

// Loader fetches the synonym map from the configured sources in order:
// URL, then file, then the embedded default. Once a source has loaded, later
// loads never fall back below it: they fail instead, so callers keep the
// data they already have.
type Loader struct {
	url    string
	file   string
	client *http.Client

	mu   sync.Mutex
	best Source // highest-priority source that has loaded, empty before the first success
}

// ErrSourceUnavailable is returned when a reload cannot reach a source at
// least as good as the one previously loaded
var ErrSourceUnavailable = errors.New("terminology source unavailable")

// rank orders sources by priority; lower is preferred
func rank(s Source) int {
	switch s {
	case SourceURL:
		return 0
	case SourceFile:
		return 1
	case SourceEmbedded:
		return 2
	}
	return 3
}

// NewLoader creates a loader; empty url or file skip that source
func NewLoader(url, file string, timeout time.Duration) *Loader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Loader{
		url:    url,
		file:   file,
		client: &http.Client{Timeout: timeout},
	}
}

// Load returns the first map that downloads or reads and decodes cleanly.
// Failures of the optional sources are logged and the next source is tried,
// unless that source ranks below the best one loaded so far.
func (l *Loader) Load(ctx context.Context) (Map, Source, error) {
	floor := l.floor()
	var errs []error

	if l.url != "" {
		m, err := l.download(ctx)
		if err == nil {
			return l.loaded(m, SourceURL)
		}
		errs = append(errs, err)
		if rank(SourceFile) > floor {
			return nil, "", fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
		}
		logging.Warn("Terminology download failed, trying next source", "url", l.url, "error", err)
	}

	if l.file != "" {
		m, err := l.readFile()
		if err == nil {
			return l.loaded(m, SourceFile)
		}
		errs = append(errs, err)
		if rank(SourceEmbedded) > floor {
			return nil, "", fmt.Errorf("%w: %w", ErrSourceUnavailable, errors.Join(errs...))
		}
		logging.Warn("Terminology file unreadable, using embedded map", "file", l.file, "error", err)
	}

	m, err := Default()
	if err != nil {
		return nil, SourceEmbedded, err
	}
	return l.loaded(m, SourceEmbedded)
}

func (l *Loader) floor() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.best == "" {
		return rank(SourceEmbedded)
	}
	return rank(l.best)
}

func (l *Loader) loaded(m Map, source Source) (Map, Source, error) {
	l.mu.Lock()
	if l.best == "" || rank(source) < rank(l.best) {
		l.best = source
	}
	l.mu.Unlock()
	return m, source, nil
}

// Default decodes the embedded synonym map
func Default() (Map, error) {
	return Decode(defaultMap)
}

// Decode parses a synonym map. Bodies that are not valid UTF-8 are read as ISO-8859-1.
func Decode(raw []byte) (Map, error) {
	var reader io.Reader = bytes.NewReader(raw)
	if !utf8.Valid(raw) {
		reader = charmap.ISO8859_1.NewDecoder().Reader(reader)
	}

	var m Map
	if err := json.NewDecoder(reader).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode terminology: %w", err)
	}
	if len(m) == 0 {
		return nil, ErrEmptyTerminology
	}
	return m, nil
}

func (l *Loader) download(ctx context.Context) (Map, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", l.url, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logging.Warn("Failed to close response body", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status downloading %s: %d", l.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxDownloadSize {
		return nil, fmt.Errorf("terminology at %s exceeds %d bytes", l.url, maxDownloadSize)
	}

	return Decode(body)
}

func (l *Loader) readFile() (Map, error) {
	raw, err := os.ReadFile(filepath.Clean(l.file))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", l.file, err)
	}
	return Decode(raw)
}
