package main

import (
	"net/http"
	"net/url"
	"strings"
)

const (
	pageAccept      = "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"
	pageEncodings   = "gzip, deflate, br, zstd"
	acceptLanguage  = "en-US,en;q=0.9"
	manifestMIME    = "application/vnd.apple.mpegurl"
	permissiveCSP   = "default-src * data: blob: 'unsafe-inline' 'unsafe-eval'; script-src * data: blob: 'unsafe-inline' 'unsafe-eval'; style-src * data: blob: 'unsafe-inline'; img-src * data: blob:; media-src * data: blob:; connect-src * data: blob:; frame-src * data: blob:; worker-src * data: blob:; font-src * data:"
	defaultAssetCC  = "private, max-age=0, no-store"
	headerRequestID = "X-Request-Id"
)

// pageHeaders returns a realistic browser identity for fetching a target page.
func pageHeaders(userAgent string) map[string]string {
	return map[string]string{
		"User-Agent":                userAgent,
		"Accept":                    pageAccept,
		"Accept-Language":           acceptLanguage,
		"Accept-Encoding":           pageEncodings,
		"Upgrade-Insecure-Requests": "1",
		"Connection":                "keep-alive",
	}
}

// assetHeaders returns the headers for an asset request. The referer is
// forged from the caller-supplied value because many media origins gate
// delivery on it. Media bytes are requested uncompressed so Range windows
// and Content-Length stay meaningful through the hop.
func assetHeaders(userAgent string, target *url.URL, referer string, manifest bool) map[string]string {
	headers := map[string]string{
		"User-Agent":      userAgent,
		"Accept":          "*/*",
		"Accept-Language": acceptLanguage,
		"Accept-Encoding": "identity",
		"Connection":      "keep-alive",
	}
	if manifest {
		headers["Accept-Encoding"] = pageEncodings
	}

	if referer != "" {
		headers["Referer"] = referer
		if ref, err := url.Parse(referer); err == nil && ref.Scheme != "" && ref.Host != "" {
			if !strings.EqualFold(ref.Host, target.Host) {
				headers["Origin"] = originOf(ref)
			}
		}
	}

	return headers
}

// forwardedAssetHeaders are copied verbatim from the upstream asset response.
// Hop-specific headers (Transfer-Encoding, Content-Encoding, Connection) never are.
var forwardedAssetHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Accept-Ranges",
	"Content-Range",
	"Cache-Control",
	"ETag",
	"Last-Modified",
	"Expires",
}

// copyAssetHeaders copies the playback-relevant upstream headers onto dst.
func copyAssetHeaders(dst, src http.Header, decoded bool) {
	for _, name := range forwardedAssetHeaders {
		if decoded && name == "Content-Length" {
			continue
		}
		if v := src.Get(name); v != "" {
			dst.Set(name, v)
		}
	}
	if dst.Get("Cache-Control") == "" {
		dst.Set("Cache-Control", defaultAssetCC)
	}
}
