package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// parseTarget validates that raw is an absolute http(s) URL with a host.
func parseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: url parameter is required", ErrInvalidTarget)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrInvalidTarget, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	u.Scheme = scheme
	return u, nil
}

// originOf returns scheme://host[:port] for u.
func originOf(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// resolveURL resolves a relative reference against a base URL.
func resolveURL(base *url.URL, ref string) (*url.URL, error) {
	rel, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	return base.ResolveReference(rel), nil
}

// requestOrigin is the origin the client used to reach the proxy.
// PUBLIC_URL wins when configured.
func requestOrigin(r *http.Request, publicURL string) string {
	if publicURL != "" {
		return publicURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}

// decodeBody wraps body with a decoder for the given Content-Encoding.
// decoded reports whether the bytes handed out differ from the wire bytes.
func decodeBody(body io.Reader, contentEncoding string) (r io.ReadCloser, decoded bool, err error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return io.NopCloser(body), false, nil
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, false, err
		}
		return gz, true, nil
	case "br":
		return io.NopCloser(brotli.NewReader(body)), true, nil
	case "deflate":
		return flate.NewReader(body), true, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, false, err
		}
		return zr.IOReadCloser(), true, nil
	default:
		return nil, false, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

var errBodyTooLarge = errors.New("body too large")

// readResponseBody reads and decompresses resp's body, refusing more than limit bytes.
func readResponseBody(resp *http.Response, limit int64) ([]byte, error) {
	reader, _, err := decodeBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	if limit <= 0 {
		return io.ReadAll(reader)
	}
	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: over %d bytes", errBodyTooLarge, limit)
	}
	return body, nil
}

var extensionTypes = map[string]string{
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".mp3":  "audio/mpeg",
	".webm": "video/webm",
	".m3u8": "application/vnd.apple.mpegurl",
	".m3u":  "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
	".vtt":  "text/vtt",
	".key":  "application/octet-stream",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// detectContentType guesses a media type from the URL path extension.
func detectContentType(target *url.URL) string {
	return extensionTypes[strings.ToLower(path.Ext(target.Path))]
}
