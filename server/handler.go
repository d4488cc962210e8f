package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/esm-dev/nobuild/internal/mime"
	"github.com/ije/esbuild-internal/xxhash"
	"github.com/ije/gox/term"
)

const metricsURL = "/@metrics"

func (s *DevServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pathname := r.URL.Path
	header := w.Header()
	header.Set("Access-Control-Allow-Origin", "*")

	switch {
	case pathname == hmrSocketURL:
		s.hub.ServeHTTP(w, r)
		return
	case pathname == metricsURL:
		s.metrics.handler().ServeHTTP(w, r)
		return
	case r.Method != http.MethodGet && r.Method != http.MethodHead:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	case containsDotDot(pathname):
		// files outside of the root are only served by `/@fs/` urls
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	if pathname == "/" || strings.HasSuffix(pathname, "/") {
		pathname += "index.html"
	}

	switch {
	case isHTMLRequest(pathname):
		s.serveHTML(w, r, pathname)
	case isInternalRequest(pathname) || isImportRequest("?"+r.URL.RawQuery) || s.isModuleRequest(pathname):
		s.serveModule(w, r)
	default:
		filename := s.urlToID(pathname)
		if !existsFile(filename) {
			// single page apps route every unknown path to the index html
			if filepath.Ext(pathname) == "" {
				s.serveHTML(w, r, "/"+s.config.IndexHTML)
				return
			}
			http.Error(w, "Not Found", 404)
			return
		}
		if contentType := mime.ContentType(filename); contentType != "" {
			header.Set("Content-Type", contentType)
		}
		http.ServeFile(w, r, filename)
	}
}

// isModuleRequest returns true for urls that are compiled to javascript modules.
func (s *DevServer) isModuleRequest(pathname string) bool {
	if isCSSRequest(pathname) {
		// plain `<link rel="stylesheet">` requests get the raw css
		return false
	}
	if !isJSRequest(pathname) {
		return false
	}
	// an extension-less url is a module only if it resolves to one
	return filepath.Ext(pathname) != "" || probeModuleFile(s.urlToID(pathname)) != ""
}

func (s *DevServer) serveModule(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}
	result, err := s.pipeline.ResolveAndCompile(r.Context(), url)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "Not Found", 404)
			return
		}
		fmt.Println(term.Red("[error] " + err.Error()))
		s.logger.Errorf("transform %s: %v", url, err)
		http.Error(w, err.Error(), 500)
		return
	}

	code := result.Code
	if len(result.Map) > 0 {
		code += "\n//# sourceMappingURL=data:application/json;base64," + base64.StdEncoding.EncodeToString(result.Map)
	}

	header := w.Header()
	header.Set("Content-Type", "application/javascript; charset=utf-8")
	header.Set("Cache-Control", "max-age=0, must-revalidate")
	if !r.URL.Query().Has("t") {
		xx := xxhash.New()
		xx.Write([]byte(code))
		etag := fmt.Sprintf(`w/"%x"`, xx.Sum64())
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		header.Set("Etag", etag)
	}
	w.Write([]byte(code))
}

func (s *DevServer) serveHTML(w http.ResponseWriter, r *http.Request, pathname string) {
	filename := s.urlToID(pathname)
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "Not Found", 404)
		} else {
			http.Error(w, "Internal Server Error", 500)
		}
		return
	}
	html, err := s.container.TransformIndexHTML(r.Context(), string(data))
	if err != nil {
		fmt.Println(term.Red("[error] " + err.Error()))
		s.logger.Errorf("transform %s: %v", pathname, err)
		http.Error(w, err.Error(), 500)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "max-age=0, must-revalidate")
	w.Write([]byte(html))
}
