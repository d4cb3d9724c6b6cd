package main

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// EntryKind classifies a playlist line.
type EntryKind int

const (
	// EntryBlank is an empty or whitespace-only line.
	EntryBlank EntryKind = iota
	// EntryDirective is a tag or comment line starting with '#'.
	EntryDirective
	// EntryURI is a media or variant reference.
	EntryURI
)

func (k EntryKind) String() string {
	switch k {
	case EntryBlank:
		return "blank"
	case EntryDirective:
		return "directive"
	case EntryURI:
		return "uri"
	default:
		return "unknown"
	}
}

// ManifestEntry is one line of a playlist, without its line terminator.
type ManifestEntry struct {
	Kind EntryKind
	Text string
}

// ParseManifest splits a playlist into entries. Joining the entries' Text
// with "\n" reproduces body exactly.
func ParseManifest(body string) []ManifestEntry {
	lines := strings.Split(body, "\n")
	entries := make([]ManifestEntry, len(lines))
	for i, line := range lines {
		entries[i] = ManifestEntry{Kind: classifyLine(line), Text: line}
	}
	return entries
}

func classifyLine(line string) EntryKind {
	// A UTF-8 byte order mark may precede #EXTM3U.
	trimmed := strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	switch {
	case trimmed == "":
		return EntryBlank
	case strings.HasPrefix(trimmed, "#"):
		return EntryDirective
	default:
		return EntryURI
	}
}

// isManifestURL reports whether the path names an HLS playlist.
func isManifestURL(u *url.URL) bool {
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".m3u8", ".m3u":
		return true
	}
	return false
}

// isManifestType reports whether an upstream Content-Type is an HLS playlist
// (application/vnd.apple.mpegurl, application/x-mpegurl, audio/mpegurl, ...).
func isManifestType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}
	return strings.Contains(strings.ToLower(mediaType), "mpegurl")
}

var tagURIPattern = regexp.MustCompile(`URI="([^"]*)"`)

// ManifestRewriter routes every URI line of a playlist back through the
// asset endpoint. Directive and blank lines are kept byte for byte.
type ManifestRewriter struct {
	AssetPath string
	// RewriteTagURIs also routes URI="..." attributes of directive lines
	// (keys, init segments, renditions).
	RewriteTagURIs bool
}

// NewManifestRewriter creates a rewriter from configuration.
func NewManifestRewriter(cfg AssetConfig) *ManifestRewriter {
	return &ManifestRewriter{
		AssetPath:      "/asset",
		RewriteTagURIs: cfg.RewriteTagURIs,
	}
}

// Rewrite resolves each URI line against manifestURL and replaces it with
// prefix+AssetPath?u=<absolute>&ref=<referer>. It returns the new playlist
// and how many lines were replaced. The line count never changes.
func (m *ManifestRewriter) Rewrite(body string, manifestURL *url.URL, referer, prefix string) (string, int) {
	entries := ParseManifest(body)
	out := make([]string, len(entries))
	replaced := 0

	for i, entry := range entries {
		out[i] = entry.Text
		switch entry.Kind {
		case EntryURI:
			if line, ok := m.rewriteURILine(entry.Text, manifestURL, referer, prefix); ok {
				out[i] = line
				replaced++
			}
		case EntryDirective:
			if m.RewriteTagURIs && strings.Contains(entry.Text, `URI="`) {
				out[i] = m.rewriteTagURIs(entry.Text, manifestURL, referer, prefix)
			}
		}
	}

	return strings.Join(out, "\n"), replaced
}

func (m *ManifestRewriter) rewriteURILine(line string, base *url.URL, referer, prefix string) (string, bool) {
	// CRLF playlists keep their terminator.
	cr := ""
	if strings.HasSuffix(line, "\r") {
		cr = "\r"
	}
	abs, ok := absoluteHTTP(base, strings.TrimSpace(line))
	if !ok {
		return line, false
	}
	return m.assetURL(prefix, abs, referer) + cr, true
}

func (m *ManifestRewriter) rewriteTagURIs(line string, base *url.URL, referer, prefix string) string {
	return tagURIPattern.ReplaceAllStringFunc(line, func(attr string) string {
		ref := tagURIPattern.FindStringSubmatch(attr)[1]
		abs, ok := absoluteHTTP(base, ref)
		if !ok {
			return attr
		}
		return `URI="` + m.assetURL(prefix, abs, referer) + `"`
	})
}

func (m *ManifestRewriter) assetURL(prefix, target, referer string) string {
	return prefix + m.AssetPath + "?u=" + url.QueryEscape(target) + "&ref=" + url.QueryEscape(referer)
}

// absoluteHTTP resolves ref against base and keeps only http(s) results.
// data:, skd: and similar references are not proxyable.
func absoluteHTTP(base *url.URL, ref string) (string, bool) {
	if ref == "" {
		return "", false
	}
	u, err := resolveURL(base, ref)
	if err != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
