package server

import (
	"context"
	"path/filepath"
	"testing"
)

func newHMRTestServer(t *testing.T) *DevServer {
	t.Helper()
	s := newTestServer(t, map[string]string{
		"index.html": `<html><head><script type="module" src="/main.js"></script></head></html>`,
		"main.js": `import { msg } from "./utils.js";` + "\n" +
			`import "./style.css";` + "\n" +
			`import logo from "./logo.png";` + "\n" +
			`console.log(msg, logo);` + "\n" +
			`import.meta.hot.accept();`,
		"utils.js":  `export const msg = "hello";`,
		"style.css": `body { color: red }`,
		"logo.png":  "png",
		"page.js":   `import { msg } from "./utils.js"; console.log(msg);`,
		"notes.txt": "not a module",
	})
	for _, url := range []string{"/main.js", "/utils.js", "/style.css?import", "/logo.png?import"} {
		if _, err := s.pipeline.ResolveAndCompile(context.Background(), url); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestHotUpdateOfDependency(t *testing.T) {
	s := newHMRTestServer(t)
	root := s.Config().Root
	main := s.graph.GetByURL("/main.js")
	before := main.LastHMRTimestamp()

	payload := s.hmr.OnFileChange(filepath.Join(root, "utils.js"))
	if payload == nil || payload.Type != "update" || len(payload.Updates) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	u := payload.Updates[0]
	utils := s.graph.GetByURL("/utils.js")
	if u.Type != "js-update" || u.Path != "/utils.js" || u.AcceptedPath != "/main.js" || u.Timestamp != utils.LastHMRTimestamp() {
		t.Fatalf("unexpected update %+v", u)
	}
	if u.Timestamp <= before {
		t.Fatal("expected a timestamp greater than before")
	}
	if s.graph.CachedResult(main) != nil || s.graph.CachedResult(utils) != nil {
		t.Fatal("expected the boundary and the changed module invalidated")
	}
	if main.LastHMRTimestamp() <= before {
		t.Fatal("expected the boundary timestamp bumped")
	}
}

func TestHotUpdateOfStylesheet(t *testing.T) {
	s := newHMRTestServer(t)
	payload := s.hmr.OnFileChange(filepath.Join(s.Config().Root, "style.css"))
	if payload == nil || len(payload.Updates) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if u := payload.Updates[0]; u.Type != "css-update" || u.Path != "/style.css" || u.AcceptedPath != "/style.css" {
		t.Fatalf("unexpected update %+v", u)
	}
}

func TestFullReload(t *testing.T) {
	s := newHMRTestServer(t)
	root := s.Config().Root

	payload := s.hmr.OnFileChange(filepath.Join(root, "index.html"))
	if payload == nil || payload.Type != "full-reload" || payload.Path != "/index.html" {
		t.Fatalf("expected a full reload for the html, got %+v", payload)
	}

	// assets can not be swapped in place
	payload = s.hmr.OnFileChange(filepath.Join(root, "logo.png"))
	if payload == nil || payload.Type != "full-reload" {
		t.Fatalf("expected a full reload for the asset, got %+v", payload)
	}

	// the entry itself has nothing above it
	if _, err := s.pipeline.ResolveAndCompile(context.Background(), "/page.js"); err != nil {
		t.Fatal(err)
	}
	payload = s.hmr.OnFileChange(filepath.Join(root, "utils.js"))
	if payload == nil || payload.Type != "full-reload" || payload.Path != "/utils.js" {
		t.Fatalf("expected a full reload when an importer does not accept, got %+v", payload)
	}
}

func TestUntrackedChange(t *testing.T) {
	s := newHMRTestServer(t)
	if payload := s.hmr.OnFileChange(filepath.Join(s.Config().Root, "notes.txt")); payload != nil {
		t.Fatalf("expected no payload, got %+v", payload)
	}
}
