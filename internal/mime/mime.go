// Package mime maps the extensions of the files served by the dev server to
// content types. Source files (ts, tsx, vue...) fetched without the module
// pipeline are served as text so the browser can show them.
package mime

import (
	"path"
	"strings"
)

var types = map[string][]string{
	"application/javascript": {"js", "mjs", "cjs"},
	"application/json":       {"json", "map", "jsonc"},
	"application/wasm":       {"wasm"},
	"application/xml":        {"xml"},
	"application/pdf":        {"pdf"},
	"audio/mpeg":             {"mp3"},
	"audio/ogg":              {"ogg", "oga"},
	"audio/wav":              {"wav"},
	"font/otf":               {"otf"},
	"font/ttf":               {"ttf"},
	"font/woff":              {"woff"},
	"font/woff2":             {"woff2"},
	"image/avif":             {"avif"},
	"image/gif":              {"gif"},
	"image/jpeg":             {"jpg", "jpeg"},
	"image/png":              {"png"},
	"image/svg+xml":          {"svg"},
	"image/webp":             {"webp"},
	"image/x-icon":           {"ico"},
	"text/css":               {"css"},
	"text/html":              {"html", "htm"},
	"text/jsx":               {"jsx"},
	"text/markdown":          {"md", "markdown"},
	"text/plain":             {"txt"},
	"text/tsx":               {"tsx"},
	"text/typescript":        {"ts", "mts", "cts"},
	"text/yaml":              {"yaml", "yml"},
	"video/mp4":              {"mp4"},
	"video/webm":             {"webm"},
}

var byExt = map[string]string{}

func init() {
	for contentType, exts := range types {
		if strings.HasPrefix(contentType, "text/") || contentType == "application/javascript" || contentType == "application/json" || strings.HasSuffix(contentType, "xml") {
			contentType += "; charset=utf-8"
		}
		for _, ext := range exts {
			byExt["."+ext] = contentType
		}
	}
}

// ContentType returns the content type of the filename, or an empty string
// for unknown extensions.
func ContentType(filename string) string {
	return byExt[strings.ToLower(path.Ext(filename))]
}
