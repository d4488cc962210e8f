package server

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/ije/esbuild-internal/xxhash"
)

var jsLoaders = map[string]esbuild.Loader{
	".js":  esbuild.LoaderJS,
	".mjs": esbuild.LoaderJS,
	".jsx": esbuild.LoaderJSX,
	".ts":  esbuild.LoaderTS,
	".mts": esbuild.LoaderTS,
	".tsx": esbuild.LoaderTSX,
}

// compiler compiles ts/jsx sources to ESM with esbuild. Outputs are memoized by
// content hash, so reverting an edit or re-requesting after an invalidation
// without changes costs nothing.
type compiler struct {
	jsx    esbuild.JSX
	define map[string]string
	cache  *ristretto.Cache
}

type compiled struct {
	code string
	m    []byte
}

func newCompiler(config *Config) (*compiler, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     128 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	jsx := esbuild.JSXAutomatic
	switch config.JSX {
	case "transform":
		jsx = esbuild.JSXTransform
	case "preserve":
		jsx = esbuild.JSXPreserve
	}
	return &compiler{jsx: jsx, define: config.Define, cache: cache}, nil
}

func (c *compiler) compile(code string, sourcefile string, loader esbuild.Loader) (*TransformResult, error) {
	xx := xxhash.New()
	xx.Write([]byte(code))
	key := fmt.Sprintf("%s:%d:%x", sourcefile, loader, xx.Sum64())
	if v, ok := c.cache.Get(key); ok {
		ret := v.(*compiled)
		return &TransformResult{Code: ret.code, Map: ret.m}, nil
	}

	ret := esbuild.Transform(code, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatESModule,
		Target:     esbuild.ESNext,
		Platform:   esbuild.PlatformBrowser,
		Sourcemap:  esbuild.SourceMapExternal,
		Sourcefile: sourcefile,
		JSX:        c.jsx,
		Define:     c.define,
		LogLevel:   esbuild.LogLevelSilent,
	})
	if len(ret.Errors) > 0 {
		return nil, formatEsbuildError(ret.Errors)
	}

	c.cache.Set(key, &compiled{code: string(ret.Code), m: ret.Map}, int64(len(ret.Code)+len(ret.Map)))
	return &TransformResult{Code: string(ret.Code), Map: ret.Map}, nil
}

func (c *compiler) close() {
	c.cache.Close()
}

func formatEsbuildError(messages []esbuild.Message) error {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("; ")
		}
		if loc := msg.Location; loc != nil {
			fmt.Fprintf(&b, "%s:%d:%d: ", loc.File, loc.Line, loc.Column)
		}
		b.WriteString(msg.Text)
	}
	return fmt.Errorf("%s", b.String())
}
