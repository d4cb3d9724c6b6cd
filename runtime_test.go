package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/dop251/goja"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runtimeTestContext = RuntimeContext{
	ProxyOrigin:    "http://proxy.local",
	OriginalOrigin: "https://example.com",
	OriginalURL:    "https://example.com/watch/page.html",
	BaseOrigin:     "http://proxy.local",
	AssetPath:      "/asset",
}

// pageVM is a goja runtime with the fake DOM loaded and the page built by
// setup. The client runtime is not started yet.
type pageVM struct {
	t  *testing.T
	vm *goja.Runtime
}

func newPageVM(t *testing.T, rc RuntimeContext, setup string) *pageVM {
	t.Helper()
	vm := goja.New()
	require.NoError(t, vm.Set("__resolveURL", func(ref, base string) (string, error) {
		b, err := url.Parse(base)
		if err != nil {
			return "", err
		}
		r, err := url.Parse(ref)
		if err != nil {
			return "", err
		}
		abs := b.ResolveReference(r)
		if !abs.IsAbs() {
			return "", fmt.Errorf("invalid URL %q", ref)
		}
		return abs.String(), nil
	}))

	dom, err := os.ReadFile("testdata/fakedom.js")
	require.NoError(t, err)
	_, err = vm.RunScript("fakedom.js", string(dom))
	require.NoError(t, err)

	ctxJSON, err := json.Marshal(rc)
	require.NoError(t, err)
	_, err = vm.RunString("window.__PROXY_CONTEXT__ = " + string(ctxJSON) + ";")
	require.NoError(t, err)

	p := &pageVM{t: t, vm: vm}
	if setup != "" {
		p.run(setup)
	}
	return p
}

func (p *pageVM) start() {
	p.t.Helper()
	_, err := p.vm.RunScript("inject.js", string(runtimeSource()))
	require.NoError(p.t, err)
}

func (p *pageVM) run(src string) goja.Value {
	p.t.Helper()
	v, err := p.vm.RunString(src)
	require.NoError(p.t, err, src)
	return v
}

func (p *pageVM) int(src string) int64 {
	p.t.Helper()
	return p.run(src).ToInteger()
}

func (p *pageVM) str(src string) string {
	p.t.Helper()
	return p.run(src).String()
}

func (p *pageVM) bool(src string) bool {
	p.t.Helper()
	return p.run(src).ToBoolean()
}

func expectedAssetURL(target string) string {
	return "http://proxy.local/asset?u=" + url.QueryEscape(target) + "&ref=" + url.QueryEscape("https://example.com/")
}

const basicPage = `
document.body.appendChild(__el("div", {id: "proxybar"}, [
  __el("form", {id: "proxyform"}, [__el("input", {id: "proxyurl"})]),
  __el("button", {id: "proxyclose"}),
  __el("video", {src: "/bar.mp4"})
]));
document.body.appendChild(__el("video", {id: "direct", src: "/media/a.mp4", width: "640", height: "360"}));
document.body.appendChild(__el("section", {}, [
  __el("video", {id: "nested"}, [__el("source", {src: "clips/b.webm"})])
]));
document.body.appendChild(__el("video", {id: "empty"}));
document.body.appendChild(__el("video", {id: "blob", src: "blob:https://example.com/1234"}));
`

func TestRuntime_ReplacesVideos(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, basicPage)
	p.start()

	assert.EqualValues(t, 2, p.int(`document.querySelectorAll(".proxy-player").length`))

	direct := `document.querySelectorAll(".proxy-player")[0].children[0]`
	assert.Equal(t, expectedAssetURL("https://example.com/media/a.mp4"), p.str(direct+`.src`))
	assert.Equal(t, "640", p.str(direct+`.getAttribute("width")`))
	assert.Equal(t, "360", p.str(direct+`.getAttribute("height")`))
	assert.True(t, p.bool(direct+`.controls === true`))
	assert.Equal(t, "1", p.str(direct+`.getAttribute("data-proxy-processed")`))

	nested := `document.querySelectorAll(".proxy-player")[1].children[0]`
	assert.Equal(t, expectedAssetURL("https://example.com/watch/clips/b.webm"), p.str(nested+`.src`))
	assert.True(t, p.bool(`document.querySelector("section").children[0].className === "proxy-player"`))

	// Left alone: no source yet, a blob source, and the nav bar's own element.
	assert.True(t, p.bool(`document.getElementById("empty").parentNode === document.body`))
	assert.True(t, p.bool(`document.getElementById("blob").parentNode === document.body`))
	assert.Equal(t, "/bar.mp4", p.str(`document.querySelector("#proxybar video").getAttribute("src")`))
	assert.True(t, p.bool(`document.getElementById("direct") === null`))
}

func TestRuntime_ScanIsIdempotent(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, basicPage)
	p.start()

	assert.EqualValues(t, 0, p.int(`__proxyRuntime.scan(document).length`))
	assert.EqualValues(t, 0, p.int(`__proxyRuntime.run(document).length`))
	assert.EqualValues(t, 0, p.int(`__proxyRuntime.run(document).length`))
	assert.EqualValues(t, 2, p.int(`document.querySelectorAll(".proxy-player").length`))
	assert.EqualValues(t, 0, p.int(`__flushMutations(); document.querySelectorAll(".proxy-player .proxy-player").length`))
}

func TestRuntime_ScanDoesNotTouchDOM(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	p.run(`
var box = __el("div", {}, [__el("video", {src: "https://media.example.net/v.mp4"})]);
var bindings = __proxyRuntime.scan(box);
`)
	require.EqualValues(t, 1, p.int(`bindings.length`))
	assert.Equal(t, "https://media.example.net/v.mp4", p.str(`bindings[0].resolvedSourceUrl`))
	assert.False(t, p.bool(`bindings[0].processed`))
	assert.True(t, p.bool(`bindings[0].wrapperElement === null`))
	assert.True(t, p.bool(`box.children[0].tagName === "VIDEO" && box.children[0].getAttribute("data-proxy-processed") === null`))

	assert.True(t, p.bool(`__proxyRuntime.apply(bindings[0])`))
	assert.True(t, p.bool(`bindings[0].processed && box.children[0] === bindings[0].wrapperElement`))
	assert.False(t, p.bool(`__proxyRuntime.apply(bindings[0])`))
	assert.True(t, p.bool(`bindings[0].originalElement.paused`))
	assert.EqualValues(t, 0, p.int(`__proxyRuntime.scan(box).length`))
}

func TestRuntime_MutationObserverCatchesLateVideos(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	p.run(`document.body.appendChild(__el("div", {id: "app"}, [__el("video", {src: "/late.mp4"})]));`)
	assert.EqualValues(t, 0, p.int(`document.querySelectorAll(".proxy-player").length`), "replacement waits for the observer")

	p.run(`__flushMutations();`)
	require.EqualValues(t, 1, p.int(`document.querySelectorAll(".proxy-player").length`))
	assert.Equal(t, expectedAssetURL("https://example.com/late.mp4"), p.str(`document.querySelector(".proxy-player video").src`))

	// A bare video added directly, sourced after insertion.
	p.run(`
var v = __el("video", {id: "spa"});
document.body.appendChild(v);
__flushMutations();
`)
	assert.True(t, p.bool(`document.getElementById("spa").parentNode === document.body`))
	p.run(`v.appendChild(__el("source", {src: "https://cdn.example.org/spa.mp4"})); __flushMutations();`)
	assert.True(t, p.bool(`document.getElementById("spa") === null`))
	assert.EqualValues(t, 2, p.int(`document.querySelectorAll(".proxy-player").length`))
}

func TestRuntime_UsesHlsForManifests(t *testing.T) {
	setup := `
__installHls();
document.body.appendChild(__el("video", {src: "https://cdn.example.com/live/master.m3u8?token=x"}));
document.body.appendChild(__el("video", {src: "/vod/file.mp4"}));
`
	p := newPageVM(t, runtimeTestContext, setup)
	p.start()

	require.EqualValues(t, 1, p.int(`Hls.instances.length`))
	assert.Equal(t, expectedAssetURL("https://cdn.example.com/live/master.m3u8?token=x"), p.str(`Hls.instances[0].source`))
	assert.True(t, p.bool(`Hls.instances[0].media === document.querySelectorAll(".proxy-player")[0].children[0]`))
	assert.Equal(t, "", p.str(`Hls.instances[0].media.src`))
	assert.Equal(t, expectedAssetURL("https://example.com/vod/file.mp4"), p.str(`document.querySelectorAll(".proxy-player")[1].children[0].src`))
}

func TestRuntime_ManifestWithoutHlsFallsBackToSrc(t *testing.T) {
	setup := `
__installHls(false);
document.body.appendChild(__el("video", {src: "https://cdn.example.com/live/master.m3u8"}));
`
	p := newPageVM(t, runtimeTestContext, setup)
	p.start()

	assert.EqualValues(t, 0, p.int(`Hls.instances.length`))
	assert.Equal(t, expectedAssetURL("https://cdn.example.com/live/master.m3u8"), p.str(`document.querySelector(".proxy-player video").src`))
}

func TestRuntime_InterceptsRootRelativeRequests(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	p.run(`
fetch("/api/items?page=2");
fetch("//cdn.example.com/lib.js");
fetch("https://other.example/x");
fetch("relative/path");
var xhr = new XMLHttpRequest();
xhr.open("GET", "/data.json", true);
`)
	assert.Equal(t, "http://proxy.local/api/items?page=2", p.str(`__fetchCalls[0].url`))
	assert.Equal(t, "//cdn.example.com/lib.js", p.str(`__fetchCalls[1].url`))
	assert.Equal(t, "https://other.example/x", p.str(`__fetchCalls[2].url`))
	assert.Equal(t, "relative/path", p.str(`__fetchCalls[3].url`))
	assert.True(t, p.bool(`__fetchCalls[0].self === window`))

	assert.Equal(t, "http://proxy.local/data.json", p.str(`__xhrCalls[0].url`))
	assert.Equal(t, "GET", p.str(`__xhrCalls[0].method`))
	assert.True(t, p.bool(`__xhrCalls[0].self === xhr`))
}

func TestRuntime_InterceptorTargetsOriginalOrigin(t *testing.T) {
	rc := runtimeTestContext
	rc.BaseOrigin = "https://example.com"
	p := newPageVM(t, rc, "")
	p.start()

	p.run(`fetch("/api");`)
	assert.Equal(t, "https://example.com/api", p.str(`__fetchCalls[0].url`))
}

func TestRuntime_InstallIsIdempotent(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	assert.True(t, p.bool(`
var again = new __proxyRuntime.RequestInterceptor({baseOrigin: "http://elsewhere"});
again.install(window) === __proxyRuntime.interceptor;
`))

	// Loading the script a second time must not stack another wrapper.
	p.start()
	p.run(`fetch("/once");`)
	assert.Equal(t, "http://proxy.local/once", p.str(`__fetchCalls[0].url`))
}

func TestRuntime_RequestInterceptorRewrite(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	p.run(`var ri = new __proxyRuntime.RequestInterceptor({baseOrigin: "https://base.example/"});`)
	tests := map[string]string{
		"/a/b":          "https://base.example/a/b",
		"//host/a":      "//host/a",
		"a/b":           "a/b",
		"https://x.y/z": "https://x.y/z",
		"":              "",
	}
	for in, want := range tests {
		assert.Equal(t, want, p.str(fmt.Sprintf(`ri.rewrite(%q)`, in)), in)
	}
	assert.True(t, p.bool(`ri.rewrite(null) === null`))
}

func TestRuntime_ContainsFailures(t *testing.T) {
	setup := `
var broken = __el("video", {src: "/broken.mp4"});
broken.replaceWith = function () { throw new Error("unsupported"); };
document.body.appendChild(broken);
var hostile = __el("video", {src: "/hostile.mp4"});
hostile.getAttribute = function () { throw new Error("nope"); };
document.body.appendChild(hostile);
document.body.appendChild(__el("video", {id: "fine", src: "/fine.mp4"}));
`
	p := newPageVM(t, runtimeTestContext, setup)
	p.start()

	assert.True(t, p.bool(`typeof __proxyRuntime === "object"`))
	assert.True(t, p.bool(`broken.parentNode === document.body`))
	assert.True(t, p.bool(`hostile.parentNode === document.body`))
	assert.True(t, p.bool(`document.getElementById("fine") === null`))
	assert.EqualValues(t, 1, p.int(`document.querySelectorAll(".proxy-player").length`))
}

func TestRuntime_NavBar(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, basicPage)
	p.start()

	assert.True(t, p.bool(`document.getElementById("proxyform").__fire("submit").defaultPrevented`))
	p.run(`document.getElementById("proxyurl").value = "https://example.org";`)
	assert.False(t, p.bool(`document.getElementById("proxyform").__fire("submit").defaultPrevented`))

	p.run(`document.getElementById("proxyclose").__fire("click");`)
	assert.Equal(t, "none", p.str(`document.getElementById("proxybar").style.display`))
}

func TestRuntime_AssetURLMatchesServerRoute(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.start()

	raw := p.str(`__proxyRuntime.assetUrl("https://example.com/a b.mp4?x=1&y=2")`)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/asset", u.Path)
	assert.Equal(t, "https://example.com/a b.mp4?x=1&y=2", u.Query().Get("u"))
	assert.Equal(t, "https://example.com/", u.Query().Get("ref"))
}

func TestRuntime_WorksWithoutContext(t *testing.T) {
	p := newPageVM(t, runtimeTestContext, "")
	p.run(`delete window.__PROXY_CONTEXT__;`)
	p.start()

	p.run(`fetch("/x");`)
	assert.Equal(t, "http://proxy.local/x", p.str(`__fetchCalls[0].url`))
}
