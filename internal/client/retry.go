package client

import (
	"cmp"
	"fmt"
	"time"

	httpclient "github.com/appleboy/go-httpclient"
	retry "github.com/appleboy/go-httpretry"
)

const defaultAuthHeader = "X-API-Secret"

// Options configures an outbound client. The hub uses it for the catalog
// index and the agent for skill archive downloads.
type Options struct {
	AuthMode           string // none, simple or hmac
	AuthSecret         string
	AuthHeader         string
	Timeout            time.Duration
	InsecureSkipVerify bool
	MaxRetries         int
	RetryDelay         time.Duration
	MaxRetryDelay      time.Duration
}

// CreateRetryClient builds a signing HTTP client wrapped in jittered retries
func CreateRetryClient(opts Options) (*retry.Client, error) {
	signer, err := httpclient.NewAuthClient(
		cmp.Or(opts.AuthMode, httpclient.AuthModeNone),
		opts.AuthSecret,
		httpclient.WithTimeout(opts.Timeout),
		httpclient.WithHeaderName(cmp.Or(opts.AuthHeader, defaultAuthHeader)),
		httpclient.WithInsecureSkipVerify(opts.InsecureSkipVerify),
	)
	if err != nil {
		return nil, fmt.Errorf("auth client: %w", err)
	}

	c, err := retry.NewRealtimeClient(
		retry.WithHTTPClient(signer),
		retry.WithMaxRetries(opts.MaxRetries),
		retry.WithInitialRetryDelay(opts.RetryDelay),
		retry.WithMaxRetryDelay(opts.MaxRetryDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("retry client: %w", err)
	}
	return c, nil
}
