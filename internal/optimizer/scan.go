package optimizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/esm-dev/nobuild/internal/npm"
	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/ije/gox/set"
)

// scan bundles the entries in memory to discover the bare imports of the
// application. Nothing is written: every bare import is recorded and marked
// external, so packages are never parsed.
func (o *Optimizer) scan(entries []string) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	var lock sync.Mutex
	deps := set.New[string]()
	externalTypes := fmt.Sprintf(`\.(%s)$`, strings.Join(o.config.ExternalTypes, "|"))

	ret := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   entries,
		AbsWorkingDir: o.config.Root,
		Bundle:        true,
		Write:         false,
		Outdir:        "/esbuild",
		Format:        esbuild.FormatESModule,
		Platform:      esbuild.PlatformBrowser,
		JSX:           esbuild.JSXAutomatic,
		LogLevel:      esbuild.LogLevelSilent,
		Plugins: []esbuild.Plugin{
			{
				Name: "scan",
				Setup: func(build esbuild.PluginBuild) {
					if len(o.config.ExternalTypes) > 0 {
						build.OnResolve(esbuild.OnResolveOptions{Filter: externalTypes}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
							return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
						})
					}
					build.OnResolve(esbuild.OnResolveOptions{Filter: `^[a-zA-Z][a-zA-Z0-9+.-]*:`}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
						return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
					})
					// root relative urls of the app
					build.OnResolve(esbuild.OnResolveOptions{Filter: `^/`}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
						if strings.HasPrefix(args.Path, "/@") {
							return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
						}
						filename := filepath.Join(o.config.Root, filepath.FromSlash(args.Path))
						if _, err := os.Stat(filename); err == nil {
							return esbuild.OnResolveResult{Path: filename}, nil
						}
						return esbuild.OnResolveResult{}, nil
					})
					build.OnResolve(esbuild.OnResolveOptions{Filter: `^[\w@][^:]`}, func(args esbuild.OnResolveArgs) (esbuild.OnResolveResult, error) {
						if args.Kind == esbuild.ResolveEntryPoint || !npm.IsBareSpecifier(args.Path) {
							return esbuild.OnResolveResult{}, nil
						}
						if _, ok := o.aliased(args.Path); ok {
							return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
						}
						pkgName, _ := npm.SplitSpecifier(args.Path)
						if npm.ValidatePackageName(pkgName) {
							lock.Lock()
							deps.Add(args.Path)
							lock.Unlock()
						}
						return esbuild.OnResolveResult{Path: args.Path, External: true}, nil
					})
				},
			},
		},
	})
	for _, msg := range ret.Errors {
		o.logger.Warnf("[optimizer] scan: %s", msg.Text)
	}

	lock.Lock()
	specs := deps.Values()
	lock.Unlock()
	sort.Strings(specs)
	return specs, nil
}

func (o *Optimizer) aliased(specifier string) (string, bool) {
	for key, target := range o.config.Alias {
		if specifier == key || strings.HasPrefix(specifier, key+"/") {
			return target + specifier[len(key):], true
		}
	}
	return "", false
}
