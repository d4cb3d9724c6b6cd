package main

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/js"
	"go.uber.org/zap"
)

const runtimeScriptPath = "/inject.js"

//go:embed static/inject.js
var staticFiles embed.FS

// runtimeSource returns the unminified client runtime.
func runtimeSource() []byte {
	src, err := staticFiles.ReadFile("static/inject.js")
	if err != nil {
		// The file is embedded at build time.
		panic(err)
	}
	return src
}

// RuntimeScript serves the client runtime patcher.
type RuntimeScript struct {
	body    []byte
	etag    string
	modTime time.Time
}

// NewRuntimeScript prepares the script body once, minified when enabled.
// A minifier failure falls back to the original source.
func NewRuntimeScript(cfg InjectConfig, logger *Logger) *RuntimeScript {
	body := runtimeSource()
	if cfg.MinifyRuntime {
		m := minify.New()
		m.AddFunc("application/javascript", js.Minify)
		var out bytes.Buffer
		if err := m.Minify("application/javascript", &out, bytes.NewReader(body)); err != nil {
			logger.Warn("Runtime minification failed, serving source", zap.Error(err))
		} else {
			logger.Debug("Runtime minified", zap.Int("from", len(body)), zap.Int("to", out.Len()))
			body = out.Bytes()
		}
	}

	sum := sha256.Sum256(body)
	return &RuntimeScript{
		body:    body,
		etag:    `"` + hex.EncodeToString(sum[:8]) + `"`,
		modTime: time.Now(),
	}
}

func (s *RuntimeScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("ETag", s.etag)
	http.ServeContent(w, r, "inject.js", s.modTime, bytes.NewReader(s.body))
}
