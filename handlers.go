package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Server holds the proxy components behind the HTTP routes.
type Server struct {
	cfg      *Config
	logger   *Logger
	metrics  *Metrics
	fetcher  *PageFetcher
	injector *HTMLInjector
	assets   *AssetProxy
	runtime  *RuntimeScript
}

// NewServer builds every component from configuration.
func NewServer(cfg *Config, logger *Logger) *Server {
	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		fetcher:  NewPageFetcher(cfg.Fetch, logger),
		injector: NewHTMLInjector(cfg.Inject),
		assets:   NewAssetProxy(cfg, metrics, logger),
		runtime:  NewRuntimeScript(cfg.Inject, logger),
	}
}

// loadHandler serves GET /load?url=<target>: the target page with the
// runtime injected, or any other content type untouched.
func (s *Server) loadHandler(w http.ResponseWriter, r *http.Request) {
	target, err := parseTarget(r.URL.Query().Get("url"))
	if err != nil {
		sendErr(w, s.logger, "Invalid target url", err)
		return
	}

	page, err := s.fetcher.Fetch(r.Context(), target)
	if err != nil {
		if r.Context().Err() != nil {
			s.logger.Debug("Client went away during page fetch", zap.String("url", target.String()))
			return
		}
		s.metrics.upstreamError("page")
		sendErr(w, s.logger, "Failed to fetch page", err)
		return
	}

	if !page.IsHTML() {
		if page.ContentType != "" {
			w.Header().Set("Content-Type", page.ContentType)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(page.Body)))
		w.WriteHeader(page.Status)
		w.Write(page.Body)
		return
	}

	proxyOrigin := requestOrigin(r, s.cfg.Server.PublicURL)
	originalOrigin := originOf(page.FinalURL)
	baseOrigin := proxyOrigin
	if s.cfg.Inject.InterceptBase == interceptOrigin {
		baseOrigin = originalOrigin
	}

	body := s.injector.Inject(page.Body, RuntimeContext{
		ProxyOrigin:    proxyOrigin,
		OriginalOrigin: originalOrigin,
		OriginalURL:    page.FinalURL.String(),
		BaseOrigin:     baseOrigin,
		AssetPath:      "/asset",
	})

	h := w.Header()
	h.Set("Content-Type", pinCharset(page.ContentType, page.Body))
	if s.cfg.Inject.PermissiveCSP {
		h.Set("Content-Security-Policy", permissiveCSP)
	} else if csp := page.Header.Get("Content-Security-Policy"); csp != "" {
		h.Set("Content-Security-Policy", csp)
	}
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(page.Status)
	w.Write(body)

	s.metrics.PagesInjected.Inc()
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	allowedOriginsStr := "All (*)"
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		allowedOriginsStr = strings.Join(s.cfg.Server.AllowedOrigins, ", ")
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": "Page proxy - rewrite-and-stream",
		"endpoints": map[string]string{
			"load":    "/load?url={page_url}",
			"asset":   "/asset?u={asset_url}&ref={optional_referer}",
			"runtime": runtimeScriptPath,
			"health":  "/healthz",
			"metrics": "/metrics",
		},
		"examples": []string{
			"/load?url=https://example.com/",
			"/asset?u=https://example.com/video/index.m3u8&ref=https://example.com/",
		},
		"allowedOrigins": allowedOriginsStr,
	})
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
