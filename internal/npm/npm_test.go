package npm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePackageName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"react", true},
		{"react-dom", true},
		{"@vue/shared", true},
		{"lodash.debounce", true},
		{"", false},
		{"@", false},
		{"@scope/", false},
		{"has space", false},
		{"a/b", false},
	}
	for _, tt := range tests {
		if got := ValidatePackageName(tt.name); got != tt.valid {
			t.Errorf("ValidatePackageName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}

func TestIsBareSpecifier(t *testing.T) {
	tests := []struct {
		specifier string
		bare      bool
	}{
		{"react", true},
		{"react-dom/client", true},
		{"@vue/shared", true},
		{"_private", true},
		{"./utils.js", false},
		{"../utils.js", false},
		{"/src/main.ts", false},
		{"https://esm.sh/react", false},
		{"node:fs", false},
		{"data:text/javascript,export default 1", false},
		{"a", false},
		{"c:foo", false},
	}
	for _, tt := range tests {
		if got := IsBareSpecifier(tt.specifier); got != tt.bare {
			t.Errorf("IsBareSpecifier(%q) = %v, want %v", tt.specifier, got, tt.bare)
		}
	}
}

func TestSplitSpecifier(t *testing.T) {
	tests := []struct {
		specifier string
		pkgName   string
		subpath   string
	}{
		{"react", "react", ""},
		{"react-dom/client", "react-dom", "client"},
		{"@vue/shared", "@vue/shared", ""},
		{"@vue/shared/dist/a.js", "@vue/shared", "dist/a.js"},
		{"@scope", "@scope", ""},
	}
	for _, tt := range tests {
		pkgName, subpath := SplitSpecifier(tt.specifier)
		if pkgName != tt.pkgName || subpath != tt.subpath {
			t.Errorf("SplitSpecifier(%q) = (%q, %q), want (%q, %q)", tt.specifier, pkgName, subpath, tt.pkgName, tt.subpath)
		}
	}
}

func writeFixture(t *testing.T, root string, files map[string]string) {
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

func TestResolveEntry(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, map[string]string{
		"node_modules/cjs-pkg/package.json":      `{"name":"cjs-pkg","version":"1.0.0","main":"lib/index"}`,
		"node_modules/cjs-pkg/lib/index.js":      `exports.a = 1`,
		"node_modules/esm-pkg/package.json":      `{"name":"esm-pkg","version":"2.1.0","main":"index.cjs","module":"index.mjs"}`,
		"node_modules/esm-pkg/index.mjs":         `export default 1`,
		"node_modules/esm-pkg/index.cjs":         `module.exports = 1`,
		"node_modules/typed/package.json":        `{"name":"typed","version":"3.0.0","type":"module","main":"main.js"}`,
		"node_modules/typed/main.js":             `export const x = 1`,
		"node_modules/exported/package.json":     `{"name":"exported","version":"4.0.0","exports":{".":{"types":"./index.d.ts","import":"./esm/index.js","require":"./cjs/index.js"},"./client":{"require":"./cjs/client.js"},"./features/*":"./src/features/*.js"}}`,
		"node_modules/exported/esm/index.js":     `export default 1`,
		"node_modules/exported/cjs/index.js":     `module.exports = 1`,
		"node_modules/exported/cjs/client.js":    `module.exports = 2`,
		"node_modules/exported/src/features/a.js": `export const a = 1`,
		"node_modules/conditions/package.json":   `{"name":"conditions","version":"5.0.0","exports":{"browser":"./browser.js","default":"./node.js"}}`,
		"node_modules/conditions/browser.js":     `export default "browser"`,
		"node_modules/@scope/pkg/package.json":   `{"name":"@scope/pkg","version":"0.1.0"}`,
		"node_modules/@scope/pkg/index.js":       `module.exports = {}`,
	})

	tests := []struct {
		specifier string
		file      string
		version   string
	}{
		{"cjs-pkg", "node_modules/cjs-pkg/lib/index.js", "1.0.0"},
		{"esm-pkg", "node_modules/esm-pkg/index.mjs", "2.1.0"},
		{"typed", "node_modules/typed/main.js", "3.0.0"},
		{"exported", "node_modules/exported/esm/index.js", "4.0.0"},
		{"exported/client", "node_modules/exported/cjs/client.js", "4.0.0"},
		{"exported/features/a", "node_modules/exported/src/features/a.js", "4.0.0"},
		{"conditions", "node_modules/conditions/browser.js", "5.0.0"},
		{"@scope/pkg", "node_modules/@scope/pkg/index.js", "0.1.0"},
	}
	for _, tt := range tests {
		t.Run(tt.specifier, func(t *testing.T) {
			entry, err := ResolveEntry(root, tt.specifier)
			if err != nil {
				t.Fatal(err)
			}
			want := filepath.Join(root, filepath.FromSlash(tt.file))
			if entry.File != want {
				t.Fatalf("invalid entry file '%s', should be '%s'", entry.File, want)
			}
			if entry.Version != tt.version {
				t.Fatalf("invalid version '%s', should be '%s'", entry.Version, tt.version)
			}
		})
	}

	// resolution walks up parent directories
	nested := filepath.Join(root, "packages", "app")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	entry, err := ResolveEntry(nested, "cjs-pkg")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Dir != filepath.Join(root, "node_modules", "cjs-pkg") {
		t.Fatalf("invalid package dir '%s'", entry.Dir)
	}

	if _, err := ResolveEntry(root, "not-installed"); err == nil {
		t.Fatal("should fail for a missing package")
	}
	if _, err := ResolveEntry(root, "exported/missing"); err == nil {
		t.Fatal("should fail for a missing subpath")
	}
}
