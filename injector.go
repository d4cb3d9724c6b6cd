package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"

	xhtml "golang.org/x/net/html"
)

// RuntimeContext is the page-global state the client runtime reads once.
type RuntimeContext struct {
	ProxyOrigin    string `json:"proxyOrigin"`
	OriginalOrigin string `json:"originalOrigin"`
	OriginalURL    string `json:"originalUrl"`
	// BaseOrigin is where the request interceptor pins root-relative calls.
	BaseOrigin string `json:"baseOrigin"`
	AssetPath  string `json:"assetPath"`
}

const (
	runtimeContextGlobal = "__PROXY_CONTEXT__"
	navBarID             = "proxybar"
)

// HTMLInjector inserts the base directive, runtime bootstrap, runtime script
// reference and navigation bar into fetched HTML.
type HTMLInjector struct {
	RuntimePath   string
	LoadPath      string
	HLSScriptURL  string
	PermissiveCSP bool
}

// NewHTMLInjector creates an injector from configuration.
func NewHTMLInjector(cfg InjectConfig) *HTMLInjector {
	return &HTMLInjector{
		RuntimePath:   runtimeScriptPath,
		LoadPath:      "/load",
		HLSScriptURL:  cfg.HLSScriptURL,
		PermissiveCSP: cfg.PermissiveCSP,
	}
}

// boundaries are byte offsets found by tokenizing the document.
// -1 means the marker was not found.
type boundaries struct {
	doctypeEnd int
	htmlOpen   int
	headOpen   int
	headClose  int
	bodyOpen   int
	drops      [][2]int
}

type edit struct {
	at     int
	delete int
	insert string
	order  int
}

// Inject returns doc with the proxy fragments inserted. Boundaries come from
// a tokenizer pass, so tag-like text inside scripts, styles and comments is
// never mistaken for structure. Missing boundaries degrade to prepending.
func (in *HTMLInjector) Inject(doc []byte, rc RuntimeContext) []byte {
	b := in.scan(doc)

	var edits []edit
	for i, d := range b.drops {
		edits = append(edits, edit{at: d[0], delete: d[1] - d[0], order: i})
	}

	base := in.baseTag(rc)
	scripts := in.bootstrap(rc) + in.scriptTags()
	nav := in.navBar(rc)

	// Prepends go after the doctype so the page keeps its rendering mode.
	top := 0
	if b.doctypeEnd >= 0 {
		top = b.doctypeEnd
	}

	switch {
	case b.headOpen >= 0 && b.headClose > b.headOpen:
		edits = append(edits,
			edit{at: b.headOpen, insert: base, order: 100},
			edit{at: b.headClose, insert: scripts, order: 101},
		)
	case b.headOpen >= 0:
		edits = append(edits, edit{at: b.headOpen, insert: base + scripts, order: 100})
	case b.headClose >= 0:
		edits = append(edits, edit{at: b.headClose, insert: base + scripts, order: 100})
	case b.htmlOpen >= 0:
		edits = append(edits, edit{at: b.htmlOpen, insert: "<head>" + base + scripts + "</head>", order: 100})
	default:
		edits = append(edits, edit{at: top, insert: "<head>" + base + scripts + "</head>", order: 100})
	}

	if b.bodyOpen >= 0 {
		edits = append(edits, edit{at: b.bodyOpen, insert: nav, order: 200})
	} else {
		edits = append(edits, edit{at: top, insert: nav, order: 200})
	}

	return applyEdits(doc, edits)
}

// scan walks the token stream recording the first head/body boundaries and
// the ranges of tags to drop.
func (in *HTMLInjector) scan(doc []byte) boundaries {
	b := boundaries{doctypeEnd: -1, htmlOpen: -1, headOpen: -1, headClose: -1, bodyOpen: -1}

	z := xhtml.NewTokenizer(bytes.NewReader(doc))
	offset := 0
	for {
		tt := z.Next()
		if tt == xhtml.ErrorToken {
			return b
		}
		start := offset
		offset += len(z.Raw())

		switch tt {
		case xhtml.DoctypeToken:
			if b.doctypeEnd < 0 {
				b.doctypeEnd = offset
			}
		case xhtml.StartTagToken, xhtml.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "html":
				if b.htmlOpen < 0 {
					b.htmlOpen = offset
				}
			case "head":
				if b.headOpen < 0 {
					b.headOpen = offset
				}
			case "body":
				if b.bodyOpen < 0 {
					b.bodyOpen = offset
				}
			case "base":
				b.drops = append(b.drops, [2]int{start, offset})
			case "meta":
				if in.PermissiveCSP && hasAttr && isCSPMeta(z) {
					b.drops = append(b.drops, [2]int{start, offset})
				}
			}
		case xhtml.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "head" && b.headClose < 0 {
				b.headClose = start
			}
		}
	}
}

func isCSPMeta(z *xhtml.Tokenizer) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "http-equiv" && strings.EqualFold(strings.TrimSpace(string(val)), "content-security-policy") {
			return true
		}
		if !more {
			return false
		}
	}
}

func applyEdits(doc []byte, edits []edit) []byte {
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].at != edits[j].at {
			return edits[i].at < edits[j].at
		}
		return edits[i].order < edits[j].order
	})

	size := len(doc)
	for _, e := range edits {
		size += len(e.insert)
	}

	out := make([]byte, 0, size)
	cursor := 0
	for _, e := range edits {
		if e.at < cursor {
			// Overlaps a dropped range; skip the deletion, keep the insert.
			out = append(out, e.insert...)
			continue
		}
		out = append(out, doc[cursor:e.at]...)
		out = append(out, e.insert...)
		cursor = e.at + e.delete
	}
	return append(out, doc[cursor:]...)
}

func (in *HTMLInjector) baseTag(rc RuntimeContext) string {
	return fmt.Sprintf(`<base href="%s/">`, html.EscapeString(rc.OriginalOrigin))
}

func (in *HTMLInjector) bootstrap(rc RuntimeContext) string {
	// json.Marshal escapes <, > and &, so the payload cannot close the script.
	payload, _ := json.Marshal(rc)
	return fmt.Sprintf(`<script>window.%s=Object.freeze(%s);</script>`, runtimeContextGlobal, payload)
}

func (in *HTMLInjector) scriptTags() string {
	var sb strings.Builder
	if in.HLSScriptURL != "" {
		fmt.Fprintf(&sb, `<script src="%s" defer></script>`, html.EscapeString(in.HLSScriptURL))
	}
	fmt.Fprintf(&sb, `<script src="%s" defer></script>`, html.EscapeString(in.RuntimePath))
	return sb.String()
}

func (in *HTMLInjector) navBar(rc RuntimeContext) string {
	return fmt.Sprintf(`<div id="%s" style="position:sticky;top:0;z-index:2147483647;display:flex;gap:6px;padding:6px;background:#1f2937;font:14px system-ui,sans-serif">`+
		`<form id="proxyform" action="%s" method="get" style="display:flex;flex:1;gap:6px;margin:0">`+
		`<input id="proxyurl" name="url" type="url" value="%s" placeholder="https://" style="flex:1;padding:4px 8px;border-radius:4px;border:0">`+
		`<button type="submit" style="padding:4px 10px">Go</button>`+
		`</form>`+
		`<button id="proxyclose" type="button" aria-label="Close" style="padding:4px 10px">&times;</button>`+
		`</div>`,
		navBarID,
		html.EscapeString(rc.ProxyOrigin+in.LoadPath),
		html.EscapeString(rc.OriginalURL),
	)
}
