package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/metrics"
)

// MaxIndexSize bounds the index document read from the source
const MaxIndexSize = 8 << 20

const indexCacheKey = "catalog:index"

// ErrCatalogUnavailable is returned when the source cannot be read
var ErrCatalogUnavailable = errors.New("skill catalog unavailable")

// Getter fetches a URL; satisfied by the control plane's retrying HTTP client
type Getter interface {
	Get(ctx context.Context, url string) (*http.Response, error)
}

// GetterFunc adapts a function to Getter
type GetterFunc func(ctx context.Context, url string) (*http.Response, error)

func (f GetterFunc) Get(ctx context.Context, url string) (*http.Response, error) {
	return f(ctx, url)
}

// ReadIndex parses the index from a response, closing its body
func ReadIndex(resp *http.Response, opts ParseOptions) (*Index, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrCatalogUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxIndexSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	if len(data) > MaxIndexSize {
		return nil, fmt.Errorf("%w: index larger than %d bytes", ErrMalformedIndex, MaxIndexSize)
	}
	return Parse(data, opts)
}

// Fetch downloads and parses the index at url
func Fetch(ctx context.Context, getter Getter, url string, opts ParseOptions) (*Index, error) {
	resp, err := getter.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCatalogUnavailable, err)
	}
	return ReadIndex(resp, opts)
}

// Service serves the catalog to the administrative API, caching the parsed index
type Service struct {
	getter  Getter
	url     string
	opts    ParseOptions
	cache   cache.Cache[Index]
	ttl     time.Duration
	metrics metrics.Recorder
}

func NewService(
	getter Getter,
	url string,
	opts ParseOptions,
	c cache.Cache[Index],
	ttl time.Duration,
	m metrics.Recorder,
) *Service {
	return &Service{getter: getter, url: url, opts: opts, cache: c, ttl: ttl, metrics: m}
}

// FetchCatalog returns the index, from cache when fresh. Malformed entries are
// reported in Rejected rather than failing the call.
func (s *Service) FetchCatalog(ctx context.Context) (*Index, error) {
	if s.url == "" {
		return &Index{Entries: []Entry{}}, nil
	}
	index, err := s.cache.GetWithFetch(ctx, indexCacheKey, s.ttl, func(ctx context.Context, _ string) (Index, error) {
		idx, err := Fetch(ctx, s.getter, s.url, s.opts)
		if err != nil {
			s.metrics.RecordCatalogFetch(false, 0)
			return Index{}, err
		}
		s.metrics.RecordCatalogFetch(true, len(idx.Rejected))
		if len(idx.Rejected) > 0 {
			log.Printf("[Catalog] %d entr(ies) rejected from %s", len(idx.Rejected), s.url)
		}
		return *idx, nil
	})
	if err != nil {
		return nil, err
	}
	return &index, nil
}

// Invalidate drops the cached index
func (s *Service) Invalidate(ctx context.Context) error {
	return s.cache.Delete(ctx, indexCacheKey)
}
