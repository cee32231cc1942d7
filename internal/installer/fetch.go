package installer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Fetcher streams the object at rawURL into w and returns the byte count
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error)
}

// Getter issues a GET, typically through a retrying client
type Getter func(ctx context.Context, rawURL string) (*http.Response, error)

// HTTPFetcher downloads archives over http(s)
type HTTPFetcher struct {
	get Getter
}

// NewHTTPFetcher uses get for every download. A nil get issues a single
// plain request.
func NewHTTPFetcher(get Getter) *HTTPFetcher {
	if get == nil {
		get = plainGet
	}
	return &HTTPFetcher{get: get}
}

func plainGet(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return http.DefaultClient.Do(req)
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	resp, err := f.get(ctx, rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownloadFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: HTTP %d from %s", ErrDownloadFailure, resp.StatusCode, rawURL)
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDownloadFailure, err)
	}
	return n, nil
}

// S3API is the subset of the S3 client the fetcher uses
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Fetcher downloads s3://bucket/key archives
type S3Fetcher struct {
	client S3API
}

func NewS3Fetcher(client S3API) *S3Fetcher {
	return &S3Fetcher{client: client}
}

// NewDefaultS3Fetcher loads credentials from the environment. When anonymous is
// set, requests are unsigned, which suits public skill buckets.
func NewDefaultS3Fetcher(ctx context.Context, region string, anonymous bool) (*S3Fetcher, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if anonymous {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewS3Fetcher(s3.NewFromConfig(cfg)), nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return 0, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownloadFailure, err)
	}
	defer out.Body.Close()

	n, err := io.Copy(w, out.Body)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDownloadFailure, err)
	}
	return n, nil
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedSource, rawURL)
	}
	key = strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("%w: %s needs bucket and key", ErrUnsupportedSource, rawURL)
	}
	return u.Host, key, nil
}

// Sources routes archive URLs to a fetcher by scheme
type Sources map[string]Fetcher

func (s Sources) Fetch(ctx context.Context, rawURL string, w io.Writer) (int64, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedSource, err)
	}
	f, ok := s[u.Scheme]
	if !ok || f == nil {
		return 0, fmt.Errorf("%w: scheme %q", ErrUnsupportedSource, u.Scheme)
	}
	return f.Fetch(ctx, rawURL, w)
}
