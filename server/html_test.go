package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInjectClientScript(t *testing.T) {
	tests := []struct {
		html string
		want string
	}{
		{
			html: `<html><head><meta charset="utf-8"></head><body></body></html>`,
			want: `<html><head>` + clientScriptTag + `<meta charset="utf-8"></head><body></body></html>`,
		},
		{
			html: `<head lang="en"><HEAD>`,
			want: `<head lang="en">` + clientScriptTag + `<HEAD>`,
		},
		{
			html: `<!-- <head> --><div>no head</div>`,
			want: clientScriptTag + `<!-- <head> --><div>no head</div>`,
		},
		{
			html: ``,
			want: clientScriptTag,
		},
	}
	for _, tt := range tests {
		got, err := injectClientScript(tt.html)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Fatalf("inject %q:\nexpected %q\n     got %q", tt.html, tt.want, got)
		}
	}
}

func TestFindModuleScripts(t *testing.T) {
	dir := t.TempDir()
	filename := filepath.Join(dir, "index.html")
	err := os.WriteFile(filename, []byte(`<html>
<head>
  <script type="module" src="/@hmr"></script>
  <script type="module" src="../src/main.ts?v=2"></script>
  <script type="module" src="http://cdn.example.com/x.js"></script>
  <script type="module">console.log("inline")</script>
</head>
<body>
  <script type="module" src="./widgets/index.js"></script>
  <script src="/classic.js"></script>
</body>
</html>`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	scripts, err := findModuleScripts(filename, "pages/index.html")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(scripts, ","); got != "/src/main.ts,/pages/widgets/index.js" {
		t.Fatalf("unexpected scripts %s", got)
	}

	if _, err := findModuleScripts(filepath.Join(dir, "missing.html"), "missing.html"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
