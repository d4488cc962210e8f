package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/esm-dev/nobuild/internal/npm"
	"github.com/esm-dev/nobuild/internal/storage"
	"github.com/goccy/go-json"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	resolveExtensions = []string{".tsx", ".ts", ".jsx", ".js", ".mjs", ".mts", ".json"}
	regAssetFile      = regexp.MustCompile(`\.(png|jpe?g|gif|svg|webp|avif|ico|woff2?|ttf|otf|eot|mp4|webm|mp3|wav|ogg|wasm|txt)$`)
)

type skipAliasKey struct{}

// builtinPlugins returns the plugins every server runs, user plugins are
// inserted after `alias`. import-analysis must stay last.
func builtinPlugins(userPlugins []*Plugin) []*Plugin {
	plugins := []*Plugin{aliasPlugin()}
	plugins = append(plugins, userPlugins...)
	return append(plugins,
		clientInjectPlugin(),
		depsPlugin(),
		resolvePlugin(),
		esbuildPlugin(),
		cssPlugin(),
		markdownPlugin(),
		jsonPlugin(),
		assetPlugin(),
		importAnalysisPlugin(),
	)
}

func aliasPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "alias",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
			if ctx.Value(skipAliasKey{}) != nil {
				return nil, nil
			}
			target, ok := resolveAlias(s.config.Alias, specifier)
			if !ok {
				return nil, nil
			}
			return s.container.ResolveID(context.WithValue(ctx, skipAliasKey{}, true), target, importer)
		},
	}
}

func resolveAlias(alias map[string]string, specifier string) (string, bool) {
	for key, target := range alias {
		if specifier == key {
			return target, true
		}
		if strings.HasPrefix(specifier, key+"/") {
			return strings.TrimSuffix(target, "/") + specifier[len(key):], true
		}
	}
	return "", false
}

func clientInjectPlugin() *Plugin {
	return &Plugin{
		Name: "client-inject",
		ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
			if specifier == hmrClientURL {
				return &ResolveResult{ID: hmrClientURL}, nil
			}
			return nil, nil
		},
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if id != hmrClientURL {
				return nil, nil
			}
			data, err := efs.ReadFile("internal/hmr.js")
			if err != nil {
				return nil, err
			}
			return &LoadResult{Code: string(data)}, nil
		},
		TransformIndexHTML: func(ctx context.Context, html string) (string, error) {
			return injectClientScript(html)
		},
	}
}

// depsPlugin serves the prebundled third-party modules from the cache directory.
func depsPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "deps",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
			var url string
			if npm.IsBareSpecifier(specifier) {
				url = s.depURL(specifier)
			} else if pathname := cleanURL(specifier); s.isDepURL(pathname) {
				url = pathname
			} else {
				return nil, nil
			}
			id := s.urlToID(url)
			if !existsFile(id) {
				specifier := strings.TrimSuffix(strings.TrimPrefix(url, "/"+s.config.CacheDir+"/"), ".js")
				pkgName, _ := npm.SplitSpecifier(specifier)
				if s.optimizer == nil || !npm.ValidatePackageName(pkgName) {
					return nil, nil
				}
				// late discovery: the scan pass missed this package
				if err := s.optimizer.Ensure(ctx, specifier); err != nil {
					if errors.Is(err, npm.ErrPackageNotFound) {
						s.logger.Warnf("[deps] %v", err)
						return nil, nil
					}
					return nil, err
				}
			}
			return &ResolveResult{ID: id}, nil
		},
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			key, ok := s.cacheKey(id)
			if !ok {
				return nil, nil
			}
			data, _, err := storage.ReadAll(s.depsStorage, key)
			if err != nil {
				if err == storage.ErrNotFound {
					return nil, nil
				}
				return nil, err
			}
			return &LoadResult{Code: string(data)}, nil
		},
	}
}

// cacheKey returns the storage key of a file in the cache directory.
func (s *DevServer) cacheKey(id string) (string, bool) {
	rel, err := filepath.Rel(s.config.CacheDirPath(), id)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func resolvePlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "resolve",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		ResolveID: func(ctx context.Context, specifier string, importer string) (*ResolveResult, error) {
			pathname := cleanURL(specifier)
			var id string
			switch {
			case strings.HasPrefix(pathname, virtualURLPrefix):
				// the url of a virtual module carries its id
				return &ResolveResult{ID: strings.ReplaceAll(pathname[len(virtualURLPrefix):], nulEscape, "\x00")}, nil
			case strings.HasPrefix(pathname, "/@fs/"):
				id = probeModuleFile(filepath.FromSlash(pathname[4:]))
			case isAbsPathSpecifier(pathname):
				id = probeModuleFile(filepath.Join(s.config.Root, filepath.FromSlash(pathname)))
				if id == "" && filepath.IsAbs(pathname) {
					// already a module id
					id = probeModuleFile(pathname)
				}
			case isRelPathSpecifier(pathname):
				dir := s.config.Root
				if importer != "" && filepath.IsAbs(importer) {
					dir = filepath.Dir(importer)
				}
				id = probeModuleFile(filepath.Join(dir, filepath.FromSlash(pathname)))
			}
			if id == "" {
				return nil, nil
			}
			return &ResolveResult{ID: id}, nil
		},
	}
}

// probeModuleFile returns the file the path refers to: the path itself, the path
// with a known extension, a `.ts` twin of a `.js` import, or a directory index.
func probeModuleFile(filename string) string {
	if fi, err := os.Stat(filename); err == nil {
		if !fi.IsDir() {
			return filename
		}
		for _, ext := range resolveExtensions {
			if f := filepath.Join(filename, "index"+ext); existsFile(f) {
				return f
			}
		}
		return ""
	}
	for _, ext := range resolveExtensions {
		if existsFile(filename + ext) {
			return filename + ext
		}
	}
	switch ext := filepath.Ext(filename); ext {
	case ".js", ".jsx", ".mjs":
		base := strings.TrimSuffix(filename, ext)
		for _, tsExt := range []string{".ts", ".tsx", ".mts"} {
			if existsFile(base + tsExt) {
				return base + tsExt
			}
		}
	}
	return ""
}

func esbuildPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "esbuild",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if _, ok := jsLoaders[path.Ext(id)]; !ok || s.inCacheDir(id) {
				return nil, nil
			}
			return readSourceFile(id)
		},
		Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
			loader, ok := jsLoaders[path.Ext(id)]
			if !ok || s.inCacheDir(id) {
				return nil, nil
			}
			return s.compiler.compile(code, s.idToURL(id), loader)
		},
	}
}

func (s *DevServer) inCacheDir(id string) bool {
	_, ok := s.cacheKey(id)
	return ok
}

func readSourceFile(id string) (*LoadResult, error) {
	if !filepath.IsAbs(id) {
		return nil, nil
	}
	data, err := os.ReadFile(id)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &LoadResult{Code: string(data)}, nil
}

// cssPlugin turns a stylesheet into a js module that injects a style element
// and accepts its own updates.
func cssPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "css",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if path.Ext(id) != ".css" {
				return nil, nil
			}
			return readSourceFile(id)
		},
		Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
			if path.Ext(id) != ".css" {
				return nil, nil
			}
			url := jsStringLiteral(s.idToURL(id))
			return &TransformResult{Code: fmt.Sprintf(
				`import { updateStyle, removeStyle } from "%s";`+
					`const __id = %s;const __css = %s;`+
					`updateStyle(__id, __css);`+
					`import.meta.hot.accept();`+
					`import.meta.hot.prune(() => removeStyle(__id));`+
					`export default __css;`,
				hmrClientURL,
				url,
				jsStringLiteral(code),
			)}, nil
		},
	}
}

// markdownPlugin renders `.md` files with GFM and exports the html.
func markdownPlugin() *Plugin {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	return &Plugin{
		Name: "markdown",
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if path.Ext(id) != ".md" {
				return nil, nil
			}
			return readSourceFile(id)
		},
		Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
			if path.Ext(id) != ".md" {
				return nil, nil
			}
			var buf bytes.Buffer
			if err := md.Convert([]byte(code), &buf); err != nil {
				return nil, err
			}
			return &TransformResult{Code: "export default " + jsStringLiteral(buf.String()) + ";"}, nil
		},
	}
}

func jsonPlugin() *Plugin {
	return &Plugin{
		Name: "json",
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if path.Ext(id) != ".json" {
				return nil, nil
			}
			return readSourceFile(id)
		},
		Transform: func(ctx context.Context, code string, id string) (*TransformResult, error) {
			if path.Ext(id) != ".json" {
				return nil, nil
			}
			if !json.Valid([]byte(code)) {
				return nil, fmt.Errorf("invalid json file %s", id)
			}
			return &TransformResult{Code: "export default " + strings.TrimSpace(code) + ";"}, nil
		},
	}
}

// assetPlugin makes `import logo from "./logo.png"` export the url of the file.
func assetPlugin() *Plugin {
	var s *DevServer
	return &Plugin{
		Name: "asset",
		ConfigureServer: func(server *DevServer) error {
			s = server
			return nil
		},
		Load: func(ctx context.Context, id string) (*LoadResult, error) {
			if !regAssetFile.MatchString(id) || !existsFile(id) {
				return nil, nil
			}
			return &LoadResult{Code: "export default " + jsStringLiteral(s.idToURL(id)) + ";"}, nil
		},
	}
}
