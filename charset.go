package main

import (
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// pinCharset makes sure an HTML Content-Type names its charset. Injected
// fragments land ahead of the page's own <meta charset>, which can push it
// past the browser's 1024-byte prescan, so the header has to carry it.
func pinCharset(contentType string, body []byte) string {
	if contentType == "" {
		contentType = "text/html"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return contentType
	}
	if params["charset"] != "" {
		return contentType
	}

	_, name, certain := charset.DetermineEncoding(body, contentType)
	// windows-1252 is also what DetermineEncoding answers when it has
	// nothing to go on; only trust it once the bytes rule out UTF-8.
	if !certain && name == "windows-1252" {
		if utf8.Valid(body) {
			name = "utf-8"
		} else if detected := detectCharset(body); detected != "" {
			name = detected
		}
	}
	if name == "" {
		name = "utf-8"
	}

	params["charset"] = name
	return mime.FormatMediaType(mediaType, params)
}

// detectCharset guesses the encoding of raw bytes statistically.
func detectCharset(body []byte) string {
	result, err := chardet.NewHtmlDetector().DetectBest(body)
	if err != nil || result == nil {
		return ""
	}
	return strings.ToLower(result.Charset)
}
