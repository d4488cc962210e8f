package optimizer

import (
	"context"
	"errors"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/goccy/go-json"
	"github.com/ije/gox/utils"
)

// moduleShape is the module format of a package entry and its export names.
type moduleShape struct {
	esm     bool
	exports []string
}

type metafile struct {
	Inputs map[string]struct {
		Format string `json:"format"`
	} `json:"inputs"`
	Outputs map[string]struct {
		Exports []string `json:"exports"`
	} `json:"outputs"`
}

// detectShape runs a non-bundling esbuild pass over the entry to tell ESM from
// CommonJS. CommonJS export names come from cjsExports.
func (o *Optimizer) detectShape(ctx context.Context, entry string) (shape moduleShape, err error) {
	ret := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{entry},
		Bundle:        false,
		Metafile:      true,
		Write:         false,
		Outdir:        "/esbuild",
		Platform:      esbuild.PlatformBrowser,
		LogLevel:      esbuild.LogLevelSilent,
		AbsWorkingDir: o.config.Root,
	})
	if len(ret.Errors) > 0 {
		return shape, errors.New(ret.Errors[0].Text)
	}

	var meta metafile
	if err = json.Unmarshal([]byte(ret.Metafile), &meta); err != nil {
		return
	}
	for _, input := range meta.Inputs {
		if input.Format == "esm" {
			shape.esm = true
		}
	}
	for _, output := range meta.Outputs {
		if len(output.Exports) > 0 {
			shape.esm = true
			shape.exports = append(shape.exports, output.Exports...)
		}
	}
	if !shape.esm {
		shape.exports = o.cjsExports(ctx, entry)
	}
	return
}

// proxyModule returns the virtual entry bundled for a package. The output
// only depends on the entry path and the sorted export names, so it is
// byte-identical across runs for unchanged packages.
func proxyModule(entry string, shape moduleShape) string {
	from := strings.TrimSpace(string(utils.MustEncodeJSON(entry)))
	var b strings.Builder
	if shape.esm {
		for _, name := range shape.exports {
			if name == "default" {
				b.WriteString("export { default } from " + from + ";\n")
				break
			}
		}
		b.WriteString("export * from " + from + ";\n")
		return b.String()
	}

	// a CommonJS module: `module.exports` is the default export
	b.WriteString("export { default } from " + from + ";\n")
	names := normalizeExportNames(shape.exports)
	if len(names) > 0 {
		b.WriteString("export { " + strings.Join(names, ", ") + " } from " + from + ";\n")
	}
	return b.String()
}
