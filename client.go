package main

import (
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
)

// newTransport returns the pooled transport retryablehttp builds. Only the
// transport is taken; retries are resty's. Compression is negotiated by
// hand so the transport must not add or strip Accept-Encoding itself.
func newTransport(headerTimeout time.Duration) *http.Transport {
	transport, ok := retryablehttp.NewClient().HTTPClient.Transport.(*http.Transport)
	if !ok {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.DisableCompression = true
	transport.ResponseHeaderTimeout = headerTimeout
	transport.MaxIdleConnsPerHost = 32
	return transport
}

// newPageClient builds the client used by PageFetcher: a bounded
// whole-request timeout and a small number of retries on transport errors.
func newPageClient(cfg FetchConfig, logger *Logger) *resty.Client {
	return resty.New().
		SetTransport(newTransport(cfg.Timeout)).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(cfg.MaxRedirects)).
		SetLogger(logger.Sugar())
}

// newAssetClient builds the client used by AssetProxy. There is no overall
// deadline: media bodies stream for as long as the client keeps reading, and
// cancellation comes from the inbound request context.
func newAssetClient(fetch FetchConfig, asset AssetConfig, logger *Logger) *resty.Client {
	return resty.New().
		SetTransport(newTransport(asset.HeaderTimeout)).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(fetch.MaxRedirects)).
		SetLogger(logger.Sugar())
}
