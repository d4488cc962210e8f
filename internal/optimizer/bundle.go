package optimizer

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/ije/gox/set"
)

const chunksDir = "chunks"

// bundle bundles the deps into the cache directory with code splitting, so
// packages sharing a dependency (react and react-dom) share one instance.
// The stored files and a list of written keys are returned.
func (o *Optimizer) bundle(ctx context.Context, deps []*Dep) (written []string, err error) {
	proxies := make(map[string]string, len(deps))
	endpoints := make([]esbuild.EntryPoint, 0, len(deps))
	for _, dep := range deps {
		entry := filepath.Join(o.config.Root, filepath.FromSlash(dep.Entry))
		shape, err := o.detectShape(ctx, entry)
		if err != nil {
			return nil, err
		}
		dep.ESM = shape.esm
		proxies[dep.Specifier] = proxyModule(entry, shape)
		endpoints = append(endpoints, esbuild.EntryPoint{InputPath: dep.Specifier, OutputPath: dep.Specifier})
	}

	define := map[string]string{"process.env.NODE_ENV": `"development"`, "global": "globalThis"}
	for k, v := range o.config.Define {
		define[k] = v
	}

	ret := esbuild.Build(esbuild.BuildOptions{
		AbsWorkingDir:       o.config.Root,
		EntryPointsAdvanced: endpoints,
		Platform:            esbuild.PlatformBrowser,
		Format:              esbuild.FormatESModule,
		Target:              esbuild.ESNext,
		Bundle:              true,
		Splitting:           true,
		ChunkNames:          chunksDir + "/[name]-[hash]",
		Define:              define,
		Write:               false,
		Outdir:              o.config.CacheDir,
		LogLevel:            esbuild.LogLevelSilent,
		Plugins: []esbuild.Plugin{
			{
				Name: "deps",
				Setup: func(build esbuild.PluginBuild) {
					build.OnResolve(esbuild.OnResolveOptions{Filter: ".*"}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
						if args.Kind == esbuild.ResolveEntryPoint {
							if _, ok := proxies[args.Path]; ok {
								return esbuild.OnResolveResult{Path: args.Path, Namespace: "dep"}, nil
							}
						}
						return esbuild.OnResolveResult{}, nil
					})
					build.OnLoad(esbuild.OnLoadOptions{Filter: ".*", Namespace: "dep"}, func(args esbuild.OnLoadArgs) (esbuild.OnLoadResult, error) {
						code := proxies[args.Path]
						return esbuild.OnLoadResult{Contents: &code, ResolveDir: o.config.Root, Loader: esbuild.LoaderJS}, nil
					})
				},
			},
		},
	})
	if len(ret.Errors) > 0 {
		return nil, errors.New(ret.Errors[0].Text)
	}

	for _, file := range ret.OutputFiles {
		rel, err := filepath.Rel(o.config.CacheDir, file.Path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		key := filepath.ToSlash(rel)
		if err := o.storage.Put(key, bytes.NewReader(file.Contents)); err != nil {
			return written, err
		}
		written = append(written, key)
	}
	return written, nil
}

// removeStaleChunks deletes the chunks that are not part of the latest bundle.
func (o *Optimizer) removeStaleChunks(written []string) {
	keep := set.New[string]()
	for _, key := range written {
		keep.Add(key)
	}
	keys, err := o.storage.List(chunksDir)
	if err != nil {
		return
	}
	for _, key := range keys {
		if !keep.Has(key) {
			o.storage.Delete(key)
		}
	}
}
