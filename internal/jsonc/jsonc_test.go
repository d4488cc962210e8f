package jsonc

import (
	"testing"

	"github.com/goccy/go-json"
)

func TestStrip(t *testing.T) {
	src := `{
  // the app directory
  "root": "./app", /* relative to this file */
  "alias": {
    "@": "/src", // trailing comma
  },
  "url": "http://localhost:3000//x",
  "escaped": "a\"//b",
  "entries": ["src/main.ts",],
}`
	out := Strip([]byte(src))
	if len(out) != len(src) {
		t.Fatalf("expected the same length, got %d, want %d", len(out), len(src))
	}
	var v struct {
		Root    string            `json:"root"`
		Alias   map[string]string `json:"alias"`
		URL     string            `json:"url"`
		Escaped string            `json:"escaped"`
		Entries []string          `json:"entries"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("invalid output %q: %v", out, err)
	}
	if v.Root != "./app" || v.Alias["@"] != "/src" || v.URL != "http://localhost:3000//x" || v.Escaped != `a"//b` {
		t.Fatalf("unexpected value %+v", v)
	}
	if len(v.Entries) != 1 || v.Entries[0] != "src/main.ts" {
		t.Fatalf("unexpected entries %v", v.Entries)
	}
	for i := range src {
		if (src[i] == '\n') != (out[i] == '\n') {
			t.Fatalf("line break moved at offset %d", i)
		}
	}
}

func TestStripPlainJSON(t *testing.T) {
	src := `{"a":[1,2,{"b":"c"}]}`
	if out := string(Strip([]byte(src))); out != src {
		t.Fatalf("expected plain json untouched, got %q", out)
	}
}
