package server

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/esm-dev/nobuild/internal/npm"
	"github.com/ije/gox/set"
	"github.com/ije/gox/utils"
)

// the lexer runs on compiled output, esbuild prints import paths as quoted
// string literals and ends every statement with a semicolon.
var (
	regFromImport     = regexp.MustCompile(`(?:^|[^\w$.])(?:import|export)\b[^;"'` + "`" + `]*?\bfrom\s*("[^"\n]+"|'[^'\n]+')`)
	regBareImport     = regexp.MustCompile(`(?:^|[^\w$.])import\s*("[^"\n]+"|'[^'\n]+')`)
	regDynamicImport  = regexp.MustCompile(`(?:^|[^\w$.])import\s*\(\s*("[^"\n]+"|'[^'\n]+')\s*\)`)
	regHotAccept      = regexp.MustCompile(`import\.meta\.hot\??\.accept\(`)
	regStringLiterals = regexp.MustCompile(`"([^"\n]+)"|'([^'\n]+)'`)
)

const (
	hmrClientURL     = "/@hmr"
	virtualURLPrefix = "/@id/"
	// a NUL byte can not be written in an import url
	nulEscape = "__x00__"
)

// importSpecifier is an import specifier found in the code, [start, end) is the
// range of the specifier text without quotes.
type importSpecifier struct {
	start     int
	end       int
	specifier string
	dynamic   bool
}

// lexImports returns the static, side-effect and dynamic (string literal only)
// import specifiers of the code, ordered by position.
func lexImports(code string) []importSpecifier {
	seen := map[int]bool{}
	var imports []importSpecifier
	for _, reg := range []*regexp.Regexp{regFromImport, regBareImport, regDynamicImport} {
		for _, m := range reg.FindAllStringSubmatchIndex(code, -1) {
			start, end := m[2]+1, m[3]-1
			if seen[start] {
				continue
			}
			seen[start] = true
			imports = append(imports, importSpecifier{
				start:     start,
				end:       end,
				specifier: code[start:end],
				dynamic:   reg == regDynamicImport,
			})
		}
	}
	sort.Slice(imports, func(i, j int) bool { return imports[i].start < imports[j].start })
	return imports
}

// lexHotAccept finds `import.meta.hot.accept(...)` calls. A call with no
// arguments or a callback makes the module self-accepting, string arguments
// are the accepted deps.
func lexHotAccept(code string) (selfAccepting bool, deps []importSpecifier) {
	for _, m := range regHotAccept.FindAllStringIndex(code, -1) {
		offset := m[1]
		for offset < len(code) && strings.IndexByte(" \t\r\n", code[offset]) >= 0 {
			offset++
		}
		if offset >= len(code) {
			continue
		}
		switch code[offset] {
		case '"', '\'':
			quote := code[offset]
			if i := strings.IndexByte(code[offset+1:], quote); i > 0 {
				deps = append(deps, importSpecifier{start: offset + 1, end: offset + 1 + i, specifier: code[offset+1 : offset+1+i]})
			}
		case '[':
			if i := strings.IndexByte(code[offset:], ']'); i > 0 {
				for _, sm := range regStringLiterals.FindAllStringSubmatchIndex(code[offset+1:offset+i], -1) {
					start, end := sm[2], sm[3]
					if start < 0 {
						start, end = sm[4], sm[5]
					}
					start += offset + 1
					end += offset + 1
					deps = append(deps, importSpecifier{start: start, end: end, specifier: code[start:end]})
				}
			}
		default:
			selfAccepting = true
		}
	}
	return
}

// importAnalysisPlugin rewrites import specifiers to the urls the browser
// requests, records the import edges of the module and injects the hot context.
func importAnalysisPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "import-analysis",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
			return s.analyzeImports(ctx, code, id)
		},
	}
}

func (s *DevServer) analyzeImports(ctx context.Context, code string, id string) (*TransformResult, error) {
	importerURL := s.idToURL(id)
	if node := s.graph.GetByID(id); node != nil {
		importerURL = node.URL
	}

	type rewrite struct {
		importSpecifier
		url string
	}
	var rewrites []rewrite
	deps := set.New[string]()
	for _, imp := range lexImports(code) {
		node, err := s.bindImport(ctx, imp.specifier, id)
		if err != nil {
			return nil, err
		}
		if node == nil {
			continue
		}
		deps.Add(node.ID)
		rewrites = append(rewrites, rewrite{imp, s.importURL(node)})
	}

	meta := &ModuleMeta{}
	selfAccepting, acceptedDeps := lexHotAccept(code)
	meta.SelfAccepting = selfAccepting
	for _, dep := range acceptedDeps {
		node, err := s.bindImport(ctx, dep.specifier, id)
		if err != nil {
			return nil, err
		}
		if node != nil {
			meta.AcceptedDeps = append(meta.AcceptedDeps, node.ID)
			// the client runtime matches accepted deps by url
			rewrites = append(rewrites, rewrite{dep, node.URL})
		}
	}
	meta.Deps = deps.Values()
	sort.Strings(meta.Deps)

	sort.Slice(rewrites, func(i, j int) bool { return rewrites[i].start < rewrites[j].start })
	var buf strings.Builder
	last := 0
	for _, r := range rewrites {
		if r.start < last {
			continue
		}
		buf.WriteString(code[last:r.start])
		buf.WriteString(r.url)
		last = r.end
	}
	buf.WriteString(code[last:])

	out := buf.String()
	if s.needsHotContext(id, importerURL) {
		out = fmt.Sprintf(
			`import { createHotContext as __nobuild__createHotContext } from "%s";import.meta.hot = __nobuild__createHotContext(%s);`,
			hmrClientURL,
			jsStringLiteral(importerURL),
		) + out
	}
	return &TransformResult{Code: out, Meta: meta}, nil
}

// bindImport resolves an import specifier of the importer and binds it in the
// module graph. Remote urls are skipped and return a nil node.
func (s *DevServer) bindImport(ctx context.Context, specifier string, importer string) (*ModuleNode, error) {
	if isHttpSepcifier(specifier) || strings.HasPrefix(specifier, "//") {
		return nil, nil
	}

	var url string
	var id string
	if _, aliased := resolveAlias(s.config.Alias, specifier); npm.IsBareSpecifier(specifier) && !aliased {
		url = s.depURL(specifier)
		id = s.urlToID(url)
	} else {
		resolved, err := s.container.ResolveID(ctx, specifier, importer)
		if err != nil {
			return nil, err
		}
		if resolved == nil {
			if hasURLScheme(specifier) {
				// `data:`, `blob:` and other schemes no plugin knows are left to the browser
				return nil, nil
			}
			return nil, fmt.Errorf("failed to resolve import \"%s\" from \"%s\"", specifier, s.idToURL(importer))
		}
		id = resolved.ID
		url = s.idToURL(id)
	}

	return s.graph.EnsureEntry(ctx, url, func(context.Context, string) (string, error) {
		return id, nil
	})
}

// importURL is the url written into the importer, with the `import` marker for
// non-js modules and the timestamp of the last hot update.
func (s *DevServer) importURL(node *ModuleNode) string {
	u := node.URL
	if !isJSRequest(u) {
		u = appendQuery(u, "import")
	}
	if ts := node.LastHMRTimestamp(); ts > 0 {
		u = appendQuery(u, "t="+strconv.FormatInt(ts, 10))
	}
	return u
}

func (s *DevServer) needsHotContext(id string, url string) bool {
	if isInternalRequest(url) || strings.Contains(filepath.ToSlash(id), "/node_modules/") {
		return false
	}
	return !s.isDepURL(url)
}

// depURL returns the url of the prebundled module of a bare specifier.
func (s *DevServer) depURL(specifier string) string {
	return "/" + s.config.CacheDir + "/" + specifier + ".js"
}

func (s *DevServer) isDepURL(url string) bool {
	return strings.HasPrefix(url, "/"+s.config.CacheDir+"/")
}

// idToURL maps a module id to the url it is served at: root relative for files
// inside the root, `/@fs/...` for other files and `/@id/...` for virtual ids.
func (s *DevServer) idToURL(id string) string {
	if isInternalRequest(id) {
		return id
	}
	if !filepath.IsAbs(id) {
		return virtualURLPrefix + strings.ReplaceAll(id, "\x00", nulEscape)
	}
	rel, err := filepath.Rel(s.config.Root, id)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "/" + filepath.ToSlash(rel)
	}
	return "/@fs" + filepath.ToSlash(id)
}

// urlToID is the inverse of idToURL.
func (s *DevServer) urlToID(url string) string {
	pathname := cleanURL(url)
	switch {
	case strings.HasPrefix(pathname, "/@fs/"):
		return filepath.FromSlash(pathname[4:])
	case strings.HasPrefix(pathname, virtualURLPrefix):
		return strings.ReplaceAll(pathname[len(virtualURLPrefix):], nulEscape, "\x00")
	case isInternalRequest(pathname):
		return pathname
	}
	return filepath.Join(s.config.Root, filepath.FromSlash(pathname))
}

func appendQuery(u string, query string) string {
	if strings.ContainsRune(u, '?') {
		return u + "&" + query
	}
	return u + "?" + query
}

func jsStringLiteral(s string) string {
	return strings.TrimSpace(string(utils.MustEncodeJSON(s)))
}
