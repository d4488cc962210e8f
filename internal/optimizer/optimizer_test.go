package optimizer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/esm-dev/nobuild/internal/storage"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		filename := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filename, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestProxyModule(t *testing.T) {
	tests := []struct {
		name  string
		shape moduleShape
		want  string
	}{
		{
			name:  "esm with default",
			shape: moduleShape{esm: true, exports: []string{"a", "default"}},
			want:  "export { default } from \"/a/index.js\";\nexport * from \"/a/index.js\";\n",
		},
		{
			name:  "esm without default",
			shape: moduleShape{esm: true, exports: []string{"a"}},
			want:  "export * from \"/a/index.js\";\n",
		},
		{
			name:  "cjs",
			shape: moduleShape{exports: []string{"useState", "__esModule", "default", "Children", "not-valid"}},
			want:  "export { default } from \"/a/index.js\";\nexport { Children, useState } from \"/a/index.js\";\n",
		},
		{
			name:  "cjs without named exports",
			shape: moduleShape{},
			want:  "export { default } from \"/a/index.js\";\n",
		},
	}
	for _, tt := range tests {
		if got := proxyModule("/a/index.js", tt.shape); got != tt.want {
			t.Fatalf("%s: expected %q, got %q", tt.name, tt.want, got)
		}
		// stable across runs
		if proxyModule("/a/index.js", tt.shape) != proxyModule("/a/index.js", tt.shape) {
			t.Fatalf("%s: proxy is not deterministic", tt.name)
		}
	}
}

func TestStaticExports(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"index.js":    `module.exports = require("./lib/impl");`,
		"lib/impl.js": "exports.foo = 1;\nmodule.exports.bar = function () {};\nObject.defineProperty(exports, \"baz\", { value: 3 });\nexports.__esModule = true;\nif (exports.foo === 1) {}\nmodule.exports = require(\"./more\");",
		"lib/more.js": `module.exports = { qux, quux: 1, "corge": 2, ...rest, default: 3 };`,
		"cycle/a.js":  `exports.a = 1; module.exports = require("./b");`,
		"cycle/b.js":  `exports.b = 1; module.exports = require("./a");`,
		"bundled.js":  `var x = {}; __export(x, { Button: () => Button, version: () => version }); module.exports = __toCommonJS(x);`,
		"not-cjs.js":  `export const esm = 1;`,
	})

	tests := []struct {
		file string
		want string
	}{
		{"index.js", "bar,baz,corge,foo,quux,qux"},
		{"cycle/a.js", "a,b"},
		{"bundled.js", "Button,version"},
		{"not-cjs.js", ""},
	}
	for _, tt := range tests {
		got := strings.Join(normalizeExportNames(staticExports(filepath.Join(root, tt.file))), ",")
		if got != tt.want {
			t.Fatalf("%s: expected exports %q, got %q", tt.file, tt.want, got)
		}
	}
}

func TestComputeBrowserHash(t *testing.T) {
	a := []*Dep{{Specifier: "react", Version: "18.3.1", Entry: "node_modules/react/index.js", Hash: "1"}, {Specifier: "vue", Version: "3.4.0", Entry: "node_modules/vue/index.mjs", Hash: "2"}}
	b := []*Dep{a[1], a[0]}
	if computeBrowserHash(a) != computeBrowserHash(b) {
		t.Fatal("expected the browser hash to ignore the dep order")
	}
	c := []*Dep{{Specifier: "react", Version: "18.3.2", Entry: "node_modules/react/index.js", Hash: "1"}, a[1]}
	if computeBrowserHash(a) == computeBrowserHash(c) {
		t.Fatal("expected a version change to change the browser hash")
	}
}

func TestMetadata(t *testing.T) {
	m, err := openMetadata(filepath.Join(t.TempDir(), metadataFile))
	if err != nil {
		t.Fatal(err)
	}
	defer m.close()

	deps, hash, err := m.load()
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 0 || hash != "" {
		t.Fatalf("expected empty metadata, got %v %q", deps, hash)
	}

	err = m.save([]*Dep{{Specifier: "react", Version: "18.3.1", ESM: false, File: "react.js"}, {Specifier: "@vue/shared", Version: "3.4.0", ESM: true, File: "@vue/shared.js"}}, "abc")
	if err != nil {
		t.Fatal(err)
	}
	err = m.save([]*Dep{{Specifier: "react", Version: "18.3.1", File: "react.js"}}, "def")
	if err != nil {
		t.Fatal(err)
	}
	deps, hash, err = m.load()
	if err != nil {
		t.Fatal(err)
	}
	if hash != "def" || len(deps) != 1 || deps["react"] == nil || deps["react"].File != "react.js" {
		t.Fatalf("unexpected metadata: %v %q", deps, hash)
	}
}

func newTestApp(t *testing.T) (root string, entry string) {
	root = t.TempDir()
	writeFiles(t, root, map[string]string{
		"main.js": `import { a } from "esm-pkg";` + "\n" +
			`import cjs, { hello } from "cjs-pkg";` + "\n" +
			`import "missing-pkg";` + "\n" +
			`import "./style.css";` + "\n" +
			`import { b } from "./lib.js";` + "\n" +
			`console.log(a, b, cjs, hello);`,
		"lib.js":                            `export const b = 2;`,
		"style.css":                         `body { color: red; }`,
		"node_modules/esm-pkg/package.json": `{"name":"esm-pkg","version":"1.0.0","type":"module","main":"index.js"}`,
		"node_modules/esm-pkg/index.js":     `export const a = 1; export default "esm";`,
		"node_modules/cjs-pkg/package.json": `{"name":"cjs-pkg","version":"2.0.0","main":"lib/index.js"}`,
		"node_modules/cjs-pkg/lib/index.js": `exports.hello = function () { return "hi"; }; exports.world = 2;`,
	})
	return root, filepath.Join(root, "main.js")
}

func TestRun(t *testing.T) {
	root, entry := newTestApp(t)
	cacheDir := filepath.Join(root, "node_modules", ".nobuild")

	o, err := New(Config{Root: root, CacheDir: cacheDir, ExternalTypes: []string{"css"}, CJSLexer: "static"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	ret, err := o.Run(context.Background(), []string{entry})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Skipped {
		t.Fatal("expected the first run to bundle")
	}
	if len(ret.Deps) != 2 || ret.Deps[0].Specifier != "cjs-pkg" || ret.Deps[1].Specifier != "esm-pkg" {
		t.Fatalf("unexpected deps: %v", ret.Deps)
	}
	if ret.Deps[0].ESM || !ret.Deps[1].ESM {
		t.Fatalf("unexpected module formats: cjs-pkg esm=%v, esm-pkg esm=%v", ret.Deps[0].ESM, ret.Deps[1].ESM)
	}
	if len(ret.Warnings) != 1 || !strings.Contains(ret.Warnings[0], "missing-pkg") {
		t.Fatalf("expected a warning for missing-pkg, got %v", ret.Warnings)
	}

	store, err := storage.NewFSStorage(cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	cjsOut, _, err := storage.ReadAll(store, "cjs-pkg.js")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(cjsOut, []byte("hello")) || !bytes.Contains(cjsOut, []byte("world")) {
		t.Fatalf("expected named exports in the cjs bundle:\n%s", cjsOut)
	}
	esmOut, _, err := storage.ReadAll(store, "esm-pkg.js")
	if err != nil {
		t.Fatal(err)
	}

	// nothing changed
	ret, err = o.Run(context.Background(), []string{entry})
	if err != nil {
		t.Fatal(err)
	}
	if !ret.Skipped {
		t.Fatal("expected the second run to be skipped")
	}

	// a missing output forces a new bundle with identical output
	if err := store.Delete("esm-pkg.js"); err != nil {
		t.Fatal(err)
	}
	ret, err = o.Run(context.Background(), []string{entry})
	if err != nil {
		t.Fatal(err)
	}
	if ret.Skipped {
		t.Fatal("expected a new bundle after an output was removed")
	}
	again, _, err := storage.ReadAll(store, "esm-pkg.js")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(esmOut, again) {
		t.Fatalf("expected byte-identical output across runs:\n%s\n---\n%s", esmOut, again)
	}
}

func TestEnsure(t *testing.T) {
	root, _ := newTestApp(t)
	writeFiles(t, root, map[string]string{
		"node_modules/late-pkg/package.json": `{"name":"late-pkg","version":"0.1.0","module":"index.mjs"}`,
		"node_modules/late-pkg/index.mjs":    `export const late = true;`,
	})
	o, err := New(Config{Root: root, CacheDir: filepath.Join(root, "node_modules", ".nobuild"), CJSLexer: "static"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	rebundled := 0
	var seen []*Dep
	o.OnRebundle = func() {
		rebundled++
		// the callback reads the deps, like the dev server does
		seen = o.Deps()
	}

	if err := o.Ensure(context.Background(), "late-pkg"); err != nil {
		t.Fatal(err)
	}
	if rebundled != 0 {
		t.Fatal("the first package should not trigger a rebundle")
	}
	if err := o.Ensure(context.Background(), "late-pkg"); err != nil {
		t.Fatal(err)
	}
	if err := o.Ensure(context.Background(), "esm-pkg"); err != nil {
		t.Fatal(err)
	}
	if rebundled != 1 || len(seen) != 2 {
		t.Fatalf("expected one rebundle seeing both deps, got %d %v", rebundled, seen)
	}
	if deps := o.Deps(); len(deps) != 2 || deps[0].Specifier != "esm-pkg" || deps[1].Specifier != "late-pkg" {
		t.Fatalf("unexpected deps: %v", deps)
	}

	if err := o.Ensure(context.Background(), "missing-pkg"); err == nil {
		t.Fatal("expected an error for a missing package")
	}
}
