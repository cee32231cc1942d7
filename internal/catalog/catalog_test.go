package catalog

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-fleetgate/fleetgate/internal/cache"
	"github.com/go-fleetgate/fleetgate/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goodSHA = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

var sampleIndex = `{
  // nightly catalog
  "skills": [
    {
      "skill_id": "weather",
      "version": "1.2.0",
      "archive_url": "https://cdn.example.com/weather-1.2.0.tar.gz",
      "sha256": "` + goodSHA + `",
      "size_bytes": 2048,
    },
    {
      "skill_id": "weather",
      "version": "1.10.0",
      "archive_url": "s3://skills/weather-1.10.0.tar.zst",
      "sha256": "` + strings.ToUpper(goodSHA) + `",
      "size_bytes": 4096,
      "compat": {"min_agent_version": "0.3.0", "capabilities": ["speaker"]}
    },
    {
      "skill_id": "Bad Id",
      "version": "1.0.0",
      "archive_url": "https://cdn.example.com/x.tar",
      "sha256": "` + goodSHA + `",
      "size_bytes": 1
    },
    {
      "skill_id": "timer",
      "version": "1.0.0",
      "archive_url": "https://cdn.example.com/timer.tar",
      "sha256": "deadbeef",
      "size_bytes": 10
    },
    "not-an-object"
  ]
}`

func TestParse_ValidatesEntriesIndividually(t *testing.T) {
	idx, err := Parse([]byte(sampleIndex), ParseOptions{})
	require.NoError(t, err)

	require.Len(t, idx.Entries, 2)
	assert.Equal(t, goodSHA, idx.Entries[1].SHA256, "sha256 is normalised to lower case")
	assert.Equal(t, []string{"speaker"}, idx.Entries[1].Compat.Capabilities)

	require.Len(t, idx.Rejected, 3)
	assert.Equal(t, 2, idx.Rejected[0].Index)
	assert.Contains(t, idx.Rejected[0].Reason, "skill_id")
	assert.Equal(t, "timer", idx.Rejected[1].SkillID)
	assert.Contains(t, idx.Rejected[1].Reason, "sha256")
	assert.Equal(t, 4, idx.Rejected[2].Index)
}

func TestParse_TopLevelArray(t *testing.T) {
	doc := `[{"skill_id":"clock","version":"0.1.0","archive_url":"https://h/c.tar",` +
		`"sha256":"` + goodSHA + `","size_bytes":5}]`
	idx, err := Parse([]byte(doc), ParseOptions{})
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	assert.Equal(t, "clock", idx.Entries[0].SkillID)
}

func TestParse_MalformedDocument(t *testing.T) {
	_, err := Parse([]byte(`{"skills": [`), ParseOptions{})
	assert.ErrorIs(t, err, ErrMalformedIndex)
}

func TestParse_RejectsDuplicateVersions(t *testing.T) {
	entry := `{"skill_id":"clock","version":"0.1.0","archive_url":"https://h/c.tar","sha256":"` +
		goodSHA + `","size_bytes":5}`
	idx, err := Parse([]byte(`[`+entry+`,`+entry+`]`), ParseOptions{})
	require.NoError(t, err)
	assert.Len(t, idx.Entries, 1)
	require.Len(t, idx.Rejected, 1)
	assert.Equal(t, "duplicate skill version", idx.Rejected[0].Reason)
}

func TestValidate(t *testing.T) {
	base := func() Entry {
		return Entry{
			SkillID:    "weather",
			Version:    "1.0.0",
			ArchiveURL: "https://cdn.example.com/w.tar.gz",
			SHA256:     goodSHA,
			SizeBytes:  10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(e *Entry)
		opts    ParseOptions
		wantErr string
	}{
		{name: "valid", mutate: func(e *Entry) {}},
		{name: "pre-release version", mutate: func(e *Entry) { e.Version = "2.0.0-rc.1" }},
		{name: "bad version", mutate: func(e *Entry) { e.Version = "v1" }, wantErr: "version"},
		{name: "empty skill id", mutate: func(e *Entry) { e.SkillID = "" }, wantErr: "skill_id"},
		{name: "ftp url", mutate: func(e *Entry) { e.ArchiveURL = "ftp://h/x.tar" }, wantErr: "scheme"},
		{name: "http url", mutate: func(e *Entry) { e.ArchiveURL = "http://h/x.tar" }, wantErr: "https"},
		{
			name:   "http url allowed",
			mutate: func(e *Entry) { e.ArchiveURL = "http://h/x.tar" },
			opts:   ParseOptions{AllowInsecureHTTP: true},
		},
		{name: "s3 without key", mutate: func(e *Entry) { e.ArchiveURL = "s3://bucket" }, wantErr: "key"},
		{name: "short sha", mutate: func(e *Entry) { e.SHA256 = "abc" }, wantErr: "sha256"},
		{name: "zero size", mutate: func(e *Entry) { e.SizeBytes = 0 }, wantErr: "size_bytes"},
		{
			name:    "bad compat version",
			mutate:  func(e *Entry) { e.Compat.MinAgentVersion = "latest" },
			wantErr: "min_agent_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base()
			tt.mutate(&e)
			err := Validate(&e, tt.opts)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLookup(t *testing.T) {
	idx, err := Parse([]byte(sampleIndex), ParseOptions{})
	require.NoError(t, err)

	latest, err := idx.Lookup("weather", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Version)

	pinned, err := idx.Lookup("weather", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", pinned.Version)

	_, err = idx.Lookup("weather", "9.9.9")
	assert.ErrorIs(t, err, ErrSkillNotFound)
	_, err = idx.Lookup("radio", "")
	assert.ErrorIs(t, err, ErrSkillNotFound)
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 1, CompareVersions("1.10.0", "1.9.9"))
	assert.Equal(t, -1, CompareVersions("1.0.0-rc.1", "1.0.0"))
	assert.Equal(t, 0, CompareVersions("2.3.4", "2.3.4"))
	assert.Equal(t, -1, CompareVersions("0.9.0", "1.0.0"))
}

func TestReadIndex_BadStatus(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(""))}
	_, err := ReadIndex(resp, ParseOptions{})
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}

func TestService_FetchCatalogCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, sampleIndex)
	}))
	defer srv.Close()

	getter := GetterFunc(func(ctx context.Context, url string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return srv.Client().Do(req)
	})
	svc := NewService(getter, srv.URL, ParseOptions{}, cache.NewMemoryCache[Index](), time.Minute,
		metrics.NewNoopMetrics())

	ctx := context.Background()
	first, err := svc.FetchCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Entries, 2)
	assert.Len(t, first.Rejected, 3)

	_, err = svc.FetchCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	require.NoError(t, svc.Invalidate(ctx))
	_, err = svc.FetchCatalog(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestService_FetchCatalogUnavailable(t *testing.T) {
	getter := GetterFunc(func(context.Context, string) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	svc := NewService(getter, "https://catalog.invalid/index.json", ParseOptions{},
		cache.NewMemoryCache[Index](), time.Minute, metrics.NewNoopMetrics())

	_, err := svc.FetchCatalog(context.Background())
	assert.ErrorIs(t, err, ErrCatalogUnavailable)
}

func TestService_NoSourceConfigured(t *testing.T) {
	svc := NewService(nil, "", ParseOptions{}, cache.NewMemoryCache[Index](), time.Minute,
		metrics.NewNoopMetrics())
	idx, err := svc.FetchCatalog(context.Background())
	require.NoError(t, err)
	assert.Empty(t, idx.Entries)
}
