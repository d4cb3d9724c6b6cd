package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const streamBufferSize = 32 * 1024

// errClientWrite marks a failure writing to the downstream connection.
var errClientWrite = errors.New("client write failed")

// AssetProxy streams a single upstream resource to the client with a
// caller-chosen referer, forwarding Range and the playback headers.
// Playlists are handed to the ManifestRewriter instead.
type AssetProxy struct {
	client           *resty.Client
	rewriter         *ManifestRewriter
	flight           singleflight.Group
	userAgent        string
	publicURL        string
	maxManifestBytes int64
	manifestTimeout  time.Duration
	metrics          *Metrics
	logger           *Logger
}

// NewAssetProxy creates an asset proxy from configuration.
func NewAssetProxy(cfg *Config, metrics *Metrics, logger *Logger) *AssetProxy {
	return &AssetProxy{
		client:           newAssetClient(cfg.Fetch, cfg.Asset, logger),
		rewriter:         NewManifestRewriter(cfg.Asset),
		userAgent:        cfg.Fetch.UserAgent,
		publicURL:        cfg.Server.PublicURL,
		maxManifestBytes: cfg.Asset.MaxManifestBytes,
		manifestTimeout:  cfg.Fetch.Timeout,
		metrics:          metrics,
		logger:           logger,
	}
}

// ServeHTTP handles GET|HEAD /asset?u=<absolute-url>&ref=<referer>.
func (p *AssetProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target, err := parseTarget(query.Get("u"))
	if err != nil {
		sendErr(w, p.logger, "Invalid asset url", err)
		return
	}

	referer := strings.TrimSpace(query.Get("ref"))
	if referer == "" {
		referer = originOf(target) + "/"
	}

	if r.Method == http.MethodGet && isManifestURL(target) {
		p.serveManifest(w, r, target, referer)
		return
	}
	p.stream(w, r, target, referer)
}

// manifestFetch is a buffered playlist response. Values are shared between
// coalesced callers and must not be mutated.
type manifestFetch struct {
	status      int
	contentType string
	body        []byte
	finalURL    *url.URL
}

func (p *AssetProxy) serveManifest(w http.ResponseWriter, r *http.Request, target *url.URL, referer string) {
	mf, shared, err := p.fetchManifest(r.Context(), target, referer)
	if shared {
		p.metrics.ManifestShared.Inc()
	}
	if err != nil {
		if errors.Is(err, ErrUpstreamUnavailable) {
			p.metrics.upstreamError("manifest")
		}
		sendErr(w, p.logger, "Failed to fetch manifest", err)
		return
	}
	p.writeManifest(w, r, mf, referer)
}

// fetchManifest coalesces identical concurrent playlist fetches. Live
// playlists are polled by every viewer every few seconds.
func (p *AssetProxy) fetchManifest(ctx context.Context, target *url.URL, referer string) (*manifestFetch, bool, error) {
	key := target.String() + "\x00" + referer
	v, err, shared := p.flight.Do(key, func() (interface{}, error) {
		// Detached so one caller leaving does not fail the others waiting on it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.manifestTimeout)
		defer cancel()

		resp, err := p.client.R().
			SetContext(fctx).
			SetDoNotParseResponse(true).
			SetHeaders(assetHeaders(p.userAgent, target, referer, true)).
			Get(target.String())
		if err != nil {
			return nil, &UpstreamError{URL: target.String(), Err: err}
		}
		raw := resp.RawResponse
		defer raw.Body.Close()

		return p.bufferManifest(raw, target)
	})
	if err != nil {
		return nil, shared, err
	}
	return v.(*manifestFetch), shared, nil
}

func (p *AssetProxy) bufferManifest(raw *http.Response, target *url.URL) (*manifestFetch, error) {
	body, err := readResponseBody(raw, p.maxManifestBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, fmt.Errorf("%w: %s", ErrManifestTooLarge, target)
		}
		return nil, &UpstreamError{URL: target.String(), Err: fmt.Errorf("read manifest: %w", err)}
	}

	finalURL := target
	if raw.Request != nil && raw.Request.URL != nil {
		finalURL = raw.Request.URL
	}
	return &manifestFetch{
		status:      raw.StatusCode,
		contentType: raw.Header.Get("Content-Type"),
		body:        body,
		finalURL:    finalURL,
	}, nil
}

func (p *AssetProxy) writeManifest(w http.ResponseWriter, r *http.Request, mf *manifestFetch, referer string) {
	if mf.status < 200 || mf.status > 299 {
		// An error page is not a playlist; hand it back untouched.
		if mf.contentType != "" {
			w.Header().Set("Content-Type", mf.contentType)
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Length", strconv.Itoa(len(mf.body)))
		w.WriteHeader(mf.status)
		w.Write(mf.body)
		return
	}

	rewritten, replaced := p.rewriter.Rewrite(string(mf.body), mf.finalURL, referer, requestOrigin(r, p.publicURL))
	p.metrics.ManifestsRewritten.Inc()
	p.logger.Debug("Rewrote manifest",
		zap.String("url", mf.finalURL.String()),
		zap.Int("uris", replaced),
	)

	w.Header().Set("Content-Type", manifestMIME)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(mf.status)
	io.WriteString(w, rewritten)
}

// stream pipes the upstream body to the client as it arrives. The upstream
// request shares the inbound context, so a client disconnect aborts it.
func (p *AssetProxy) stream(w http.ResponseWriter, r *http.Request, target *url.URL, referer string) {
	ctx := r.Context()
	req := p.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(assetHeaders(p.userAgent, target, referer, false))
	if rng := r.Header.Get("Range"); rng != "" {
		req.SetHeader("Range", rng)
		if ifRange := r.Header.Get("If-Range"); ifRange != "" {
			req.SetHeader("If-Range", ifRange)
		}
	}

	resp, err := req.Execute(r.Method, target.String())
	if err != nil {
		if ctx.Err() != nil {
			p.logger.Debug("Client went away before upstream answered", zap.String("url", target.String()))
			return
		}
		p.metrics.upstreamError("asset")
		sendErr(w, p.logger, "Failed to fetch asset", &UpstreamError{URL: target.String(), Err: err})
		return
	}
	raw := resp.RawResponse
	defer raw.Body.Close()

	upstreamType := raw.Header.Get("Content-Type")
	if r.Method == http.MethodGet && isManifestType(upstreamType) && raw.StatusCode >= 200 && raw.StatusCode <= 299 {
		mf, err := p.bufferManifest(raw, target)
		if err != nil {
			sendErr(w, p.logger, "Failed to read manifest", err)
			return
		}
		p.writeManifest(w, r, mf, referer)
		return
	}

	encoding := raw.Header.Get("Content-Encoding")
	if !bodyAllowed(r.Method, raw.StatusCode) {
		encoding = ""
	}
	body, decoded, err := decodeBody(raw.Body, encoding)
	if err != nil {
		p.metrics.upstreamError("asset")
		sendErr(w, p.logger, "Failed to decode asset", &UpstreamError{URL: target.String(), Err: err})
		return
	}
	defer body.Close()

	// Read the first chunk before committing to a status so an upstream
	// that dies immediately still gets a clean 502.
	buf := make([]byte, streamBufferSize)
	n, readErr := io.ReadAtLeast(body, buf, 1)
	if readErr != nil && readErr != io.EOF {
		if ctx.Err() != nil {
			p.logger.Debug("Client went away before first byte", zap.String("url", target.String()))
			return
		}
		p.metrics.upstreamError("asset")
		sendErr(w, p.logger, "Failed to read asset", &UpstreamError{URL: target.String(), Err: readErr})
		return
	}

	header := w.Header()
	copyAssetHeaders(header, raw.Header, decoded)
	if upstreamType == "" {
		header.Set("Content-Type", sniffContentType(target, buf[:n]))
	}
	if r.Method == http.MethodHead && raw.StatusCode >= 200 && raw.StatusCode <= 299 &&
		(isManifestURL(target) || isManifestType(upstreamType)) {
		// A GET answers with the rewritten playlist, whose length differs.
		header.Del("Content-Length")
		header.Set("Content-Type", manifestMIME)
		header.Set("Cache-Control", "no-cache")
	}
	w.WriteHeader(raw.StatusCode)

	written, err := p.pipe(w, body, buf, n, readErr)
	p.metrics.StreamedBytes.Add(float64(written))
	if err == nil {
		return
	}
	if errors.Is(err, errClientWrite) || ctx.Err() != nil {
		p.logger.Debug("Client disconnected mid-stream",
			zap.String("url", target.String()),
			zap.Int64("bytes", written),
		)
		return
	}

	p.metrics.StreamAborts.Inc()
	p.logger.Warn("Upstream failed mid-stream",
		zap.String("url", target.String()),
		zap.Int64("bytes", written),
		zap.Error(err),
	)
	// Headers are out; the only honest signal left is a broken connection.
	panic(http.ErrAbortHandler)
}

// pipe writes the already-read first chunk, then copies the rest of body,
// flushing after every chunk. It returns nil when body reached EOF.
func (p *AssetProxy) pipe(w http.ResponseWriter, body io.Reader, buf []byte, n int, readErr error) (int64, error) {
	rc := http.NewResponseController(w)
	var written int64

	for {
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, fmt.Errorf("%w: %v", errClientWrite, err)
			}
			rc.Flush()
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
		n, readErr = body.Read(buf)
	}
}

func bodyAllowed(method string, status int) bool {
	return method != http.MethodHead && status != http.StatusNoContent && status != http.StatusNotModified
}

// sniffContentType picks a type for a response the upstream left untyped:
// the URL extension first, then the leading bytes.
func sniffContentType(target *url.URL, head []byte) string {
	if ct := detectContentType(target); ct != "" {
		return ct
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(head).String()
}
