package main

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Page is a fetched target document.
type Page struct {
	Body        []byte
	Status      int
	ContentType string
	// FinalURL is the URL after redirects; its origin is what gets injected.
	FinalURL *url.URL
	Header   http.Header
}

// IsHTML reports whether the page should go through the injector.
func (p *Page) IsHTML() bool {
	if p.ContentType == "" {
		return mimetype.Detect(p.Body).Is("text/html")
	}
	mediaType, _, err := mime.ParseMediaType(p.ContentType)
	if err != nil {
		return strings.Contains(strings.ToLower(p.ContentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// PageFetcher retrieves target pages with a browser-like identity.
type PageFetcher struct {
	client    *resty.Client
	userAgent string
	maxBytes  int64
	timeout   time.Duration
	logger    *Logger
}

// NewPageFetcher creates a fetcher from configuration.
func NewPageFetcher(cfg FetchConfig, logger *Logger) *PageFetcher {
	return &PageFetcher{
		client:    newPageClient(cfg, logger),
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxPageBytes,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Fetch retrieves target. Non-2xx statuses are not errors; only transport
// failures are, and they unwrap to ErrUpstreamUnavailable. Retries share
// the single FETCH_TIMEOUT budget.
func (f *PageFetcher) Fetch(ctx context.Context, target *url.URL) (*Page, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(pageHeaders(f.userAgent)).
		Get(target.String())
	if err != nil {
		return nil, &UpstreamError{URL: target.String(), Err: err}
	}
	raw := resp.RawResponse
	defer raw.Body.Close()

	body, err := readResponseBody(raw, f.maxBytes)
	if err != nil {
		return nil, &UpstreamError{URL: target.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	finalURL := target
	if raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL
	}

	f.logger.Debug("Fetched page",
		zap.String("url", target.String()),
		zap.String("final_url", finalURL.String()),
		zap.Int("status", raw.StatusCode),
		zap.Int("bytes", len(body)),
	)

	return &Page{
		Body:        body,
		Status:      raw.StatusCode,
		ContentType: raw.Header.Get("Content-Type"),
		FinalURL:    finalURL,
		Header:      raw.Header,
	}, nil
}
