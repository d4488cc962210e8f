package server

import "testing"

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"/src/main.ts":                "/src/main.ts",
		"/src/main.ts?t=1700000000":   "/src/main.ts",
		"/style.css?import&t=1":       "/style.css",
		"/style.css?t=1&import":       "/style.css",
		"/data.json?raw&import":       "/data.json?raw=",
		"/worker.js?worker&t=2&x=1":   "/worker.js?worker=&x=1",
		"/node_modules/.nobuild/a.js": "/node_modules/.nobuild/a.js",
	}
	for url, want := range tests {
		if got := normalizeURL(url); got != want {
			t.Fatalf("normalizeURL(%q): expected %q, got %q", url, want, got)
		}
	}
}

func TestRequestKinds(t *testing.T) {
	tests := []struct {
		url      string
		js       bool
		css      bool
		html     bool
		imported bool
		internal bool
	}{
		{url: "/src/main.ts", js: true},
		{url: "/src/App.tsx?t=1", js: true},
		{url: "/src/utils", js: true},
		{url: "/style.css", css: true},
		{url: "/style.css?import", css: true, imported: true},
		{url: "/logo.png?import&t=2", imported: true},
		{url: "/index.html", html: true},
		{url: "/docs/", js: false},
		{url: "/@hmr", js: true, internal: true},
		{url: "/@fs/tmp/a.js", js: true},
		{url: "/importer.js?importance=1", js: true},
	}
	for _, tt := range tests {
		if isJSRequest(tt.url) != tt.js {
			t.Fatalf("isJSRequest(%q) should be %v", tt.url, tt.js)
		}
		if isCSSRequest(tt.url) != tt.css {
			t.Fatalf("isCSSRequest(%q) should be %v", tt.url, tt.css)
		}
		if isHTMLRequest(tt.url) != tt.html {
			t.Fatalf("isHTMLRequest(%q) should be %v", tt.url, tt.html)
		}
		if isImportRequest(tt.url) != tt.imported {
			t.Fatalf("isImportRequest(%q) should be %v", tt.url, tt.imported)
		}
		if isInternalRequest(tt.url) != tt.internal {
			t.Fatalf("isInternalRequest(%q) should be %v", tt.url, tt.internal)
		}
	}
}

func TestSpecifierKinds(t *testing.T) {
	for _, s := range []string{"data:text/javascript,1", "https://esm.sh/react", "blob:http://x/1", "node:fs", "virtual:env"} {
		if !hasURLScheme(s) {
			t.Fatalf("%s should have a url scheme", s)
		}
	}
	for _, s := range []string{"react", "@vue/shared", "./a:b.js", "/abs.js", "c:", "a:"} {
		if hasURLScheme(s) {
			t.Fatalf("%s should not have a url scheme", s)
		}
	}
	if !isRelPathSpecifier("./a") || !isRelPathSpecifier("..") || isRelPathSpecifier(".a") {
		t.Fatal("isRelPathSpecifier mismatch")
	}
	if !isHttpSepcifier("http://localhost/a.js") || isHttpSepcifier("//cdn/a.js") {
		t.Fatal("isHttpSepcifier mismatch")
	}
}

func TestContainsDotDot(t *testing.T) {
	tests := map[string]bool{
		"/src/main.ts":     false,
		"/../a.js":         true,
		"/src/../a.js":     true,
		"/src/..":          true,
		"/src/..a.js":      false,
		"/src/a..b/c.js":   false,
		"/@fs/tmp/../a.js": true,
	}
	for pathname, want := range tests {
		if got := containsDotDot(pathname); got != want {
			t.Fatalf("containsDotDot(%q): expected %v, got %v", pathname, want, got)
		}
	}
}
